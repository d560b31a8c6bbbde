package model

import "errors"

// Sentinel kinds returned by stores.
var (
	ErrStateNotFound   = errors.New("global state not found")
	ErrStateExists     = errors.New("global state already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrVersionConflict = errors.New("account version conflict")
	ErrStoreClosed     = errors.New("store closed")
)

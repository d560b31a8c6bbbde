// Package activity defines the closed set of rewardable activity types and
// the catalog that maps each type to its base reward and epoch capacity.
package activity

import (
	"fmt"
	"strings"
)

// CatalogVersion identifies the built-in activity table.
const CatalogVersion = "2024.1"

// Type enumerates the rewardable activities. The zero value is invalid.
type Type uint8

// Activity types.
const (
	Unknown Type = iota
	CheckIn
	ViewAnalytics
	VoteInPoll
	SubscribeContract
	CastVote
	SendMessage
	ReferUser
	CompleteTutorial
	TestBetaFeature
	ReviewContractCode
	DeploySampleContract
	StakeSevenDays
	MintTransferNFT
	ProvideLiquidity
	RunValidatorNode
	ContributeOpenSource

	typeCount
)

// Count is the number of valid activity types. Counters indexed by Type
// should be sized Count+1 so that index 0 stays unused.
const Count = int(typeCount) - 1

// Reward tiers, in the smallest reward unit.
const (
	tierBasicReward    uint64 = 10_000_000
	tierStandardReward uint64 = 50_000_000
	tierAdvancedReward uint64 = 100_000_000

	tierBasicSlots    uint64 = 1000
	tierStandardSlots uint64 = 500
	tierAdvancedSlots uint64 = 100
)

// Definition describes a single catalog entry.
type Definition struct {
	Type          Type
	Key           string
	Name          string
	BaseReward    uint64
	SlotsPerEpoch uint64
}

var builtin = []Definition{
	{CheckIn, "check_in", "Check-In", tierBasicReward, tierBasicSlots},
	{ViewAnalytics, "view_analytics", "View Analytics", tierBasicReward, tierBasicSlots},
	{VoteInPoll, "vote_in_poll", "Vote in a Pool", tierBasicReward, tierBasicSlots},
	{SubscribeContract, "subscribe_contract", "Subscribe to a Smart Contract", tierBasicReward, tierBasicSlots},
	{CastVote, "cast_vote", "Cast a Vote", tierStandardReward, tierStandardSlots},
	{SendMessage, "send_message", "Send a Message", tierStandardReward, tierStandardSlots},
	{ReferUser, "refer_user", "Refer a User", tierStandardReward, tierStandardSlots},
	{CompleteTutorial, "complete_tutorial", "Complete a Tutorial on Solana Usage", tierStandardReward, tierStandardSlots},
	{TestBetaFeature, "test_beta_feature", "Test a Beta Feature on a dApp", tierStandardReward, tierStandardSlots},
	{ReviewContractCode, "review_contract_code", "Review a Smart Contract’s Code", tierStandardReward, tierStandardSlots},
	{DeploySampleContract, "deploy_sample_contract", "Deploy a Sample Smart Contract", tierAdvancedReward, tierAdvancedSlots},
	{StakeSevenDays, "stake_seven_days", "Stake SOL for at Least 7 Days", tierAdvancedReward, tierAdvancedSlots},
	{MintTransferNFT, "mint_transfer_nft", "Mint and Transfer an NFT", tierAdvancedReward, tierAdvancedSlots},
	{ProvideLiquidity, "provide_liquidity", "Provide Liquidity to a Protocol", tierAdvancedReward, tierAdvancedSlots},
	{RunValidatorNode, "run_validator_node", "Run a Validator Node for 24 Hours", tierAdvancedReward, tierAdvancedSlots},
	{ContributeOpenSource, "contribute_open_source", "Contribute Code to an Open-Source Project", tierAdvancedReward, tierAdvancedSlots},
}

// Valid reports whether t names a catalog activity.
func (t Type) Valid() bool {
	return t > Unknown && t < typeCount
}

// String returns the wire key of t.
func (t Type) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return builtin[t-1].Key
}

// MarshalText encodes t as its wire key.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("type %d: %w", t, ErrInvalidActivityType)
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a wire key.
func (t *Type) UnmarshalText(b []byte) error {
	key := normalize(string(b))
	for _, d := range builtin {
		if d.Key == key {
			*t = d.Type
			return nil
		}
	}
	return fmt.Errorf("%q: %w", string(b), ErrInvalidActivityType)
}

// Override replaces the base reward and/or slot count of one activity.
// Zero fields keep the built-in value.
type Override struct {
	BaseReward    uint64
	SlotsPerEpoch uint64
}

// Catalog is an immutable activity table.
type Catalog struct {
	version string
	defs    [typeCount]Definition
	byName  map[string]Type
}

// Option applies a configuration option to the Catalog.
type Option func(*catalogBuilder) error

type catalogBuilder struct {
	version   string
	overrides map[string]Override
}

// WithVersion tags the catalog with a custom version string.
func WithVersion(v string) Option {
	return func(b *catalogBuilder) error {
		if v != "" {
			b.version = v
		}
		return nil
	}
}

// WithOverrides applies per-activity overrides keyed by wire key or display name.
func WithOverrides(overrides map[string]Override) Option {
	return func(b *catalogBuilder) error {
		for k, v := range overrides {
			b.overrides[k] = v
		}
		return nil
	}
}

// NewCatalog builds the catalog from the built-in table and options.
func NewCatalog(opts ...Option) (*Catalog, error) {
	b := &catalogBuilder{
		version:   CatalogVersion,
		overrides: make(map[string]Override),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	c := &Catalog{
		version: b.version,
		byName:  make(map[string]Type, 2*Count),
	}
	for _, d := range builtin {
		c.defs[d.Type] = d
		c.byName[normalize(d.Key)] = d.Type
		c.byName[normalize(d.Name)] = d.Type
	}

	for name, ov := range b.overrides {
		t, ok := c.byName[normalize(name)]
		if !ok {
			return nil, fmt.Errorf("override %q: %w", name, ErrInvalidActivityType)
		}
		d := c.defs[t]
		if ov.BaseReward > 0 {
			d.BaseReward = ov.BaseReward
		}
		if ov.SlotsPerEpoch > 0 {
			d.SlotsPerEpoch = ov.SlotsPerEpoch
		}
		c.defs[t] = d
	}

	for _, d := range c.defs[1:] {
		if d.SlotsPerEpoch == 0 {
			return nil, fmt.Errorf("%s: %w", d.Key, ErrZeroSlots)
		}
	}
	return c, nil
}

// MustCatalog returns the built-in catalog and panics on error.
func MustCatalog(opts ...Option) *Catalog {
	c, err := NewCatalog(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Version returns the catalog version.
func (c *Catalog) Version() string { return c.version }

// Parse resolves a wire key or display name into a Type.
func (c *Catalog) Parse(name string) (Type, error) {
	t, ok := c.byName[normalize(name)]
	if !ok {
		return Unknown, fmt.Errorf("%q: %w", name, ErrInvalidActivityType)
	}
	return t, nil
}

// Lookup returns the definition for t.
func (c *Catalog) Lookup(t Type) (Definition, error) {
	if !t.Valid() {
		return Definition{}, fmt.Errorf("type %d: %w", t, ErrInvalidActivityType)
	}
	return c.defs[t], nil
}

// All returns every definition ordered by Type.
func (c *Catalog) All() []Definition {
	out := make([]Definition, 0, Count)
	return append(out, c.defs[1:]...)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

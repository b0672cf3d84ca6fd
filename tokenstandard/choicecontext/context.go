// Package choicecontext models the off-ledger reference data a party must
// supply to exercise a choice: typed context values, the contracts that must
// be disclosed alongside the submission, and their validity window.
package choicecontext

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/shopspring/decimal"
)

var (
	// ErrContextExpired is returned when a context is used at or after its valid-until time.
	ErrContextExpired = fmt.Errorf("choice context expired: %w", constant.ErrContextExpired)
	// ErrMissingValue is returned when a required context value is absent or mistyped.
	ErrMissingValue = fmt.Errorf("choice context value missing: %w", constant.ErrMissingContext)
	// ErrUnknownKind is returned for request kinds the registry does not serve.
	ErrUnknownKind = errors.New("unknown choice context kind")
	// ErrContractRequired is returned when a per-contract request names no contract.
	ErrContractRequired = errors.New("choice context request requires a contract id")
)

// Tag is the type of a context value.
type Tag string

// Value tags.
const (
	TagText       Tag = "AV_Text"
	TagContractID Tag = "AV_ContractId"
	TagBool       Tag = "AV_Bool"
	TagDecimal    Tag = "AV_Decimal"
	TagTime       Tag = "AV_Time"
)

// Value is a tagged context value. The payload is always carried as a string.
type Value struct {
	Tag   Tag    `json:"tag"`
	Value string `json:"value"`
}

// Text returns a text value.
func Text(s string) Value { return Value{Tag: TagText, Value: s} }

// ContractID returns a contract id value.
func ContractID(id ledger.ContractID) Value { return Value{Tag: TagContractID, Value: string(id)} }

// Bool returns a bool value.
func Bool(b bool) Value { return Value{Tag: TagBool, Value: strconv.FormatBool(b)} }

// Decimal returns a decimal value.
func Decimal(d decimal.Decimal) Value { return Value{Tag: TagDecimal, Value: d.String()} }

// Time returns a time value, normalized to UTC.
func Time(t time.Time) Value { return Value{Tag: TagTime, Value: t.UTC().Format(time.RFC3339Nano)} }

// ChoiceContext is the set of values passed as extra arguments to a choice.
type ChoiceContext struct {
	Values     map[string]Value `json:"values"`
	ValidUntil time.Time        `json:"validUntil,omitempty"`
}

// Empty returns a context with no values and no expiry.
func Empty() ChoiceContext {
	return ChoiceContext{Values: map[string]Value{}}
}

// CheckValid rejects the context when ValidUntil is set and now is not before it.
func (c ChoiceContext) CheckValid(now time.Time) error {
	if !c.ValidUntil.IsZero() && !now.Before(c.ValidUntil) {
		return fmt.Errorf("%w: valid until %s, now %s", ErrContextExpired,
			c.ValidUntil.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	return nil
}

// With returns a copy of c with key set.
func (c ChoiceContext) With(key string, v Value) ChoiceContext {
	out := ChoiceContext{Values: maps.Clone(c.Values), ValidUntil: c.ValidUntil}
	if out.Values == nil {
		out.Values = map[string]Value{}
	}

	out.Values[key] = v

	return out
}

// Merge combines two contexts. Values of other win on conflict and the
// earliest non-zero ValidUntil is kept.
func (c ChoiceContext) Merge(other ChoiceContext) ChoiceContext {
	out := ChoiceContext{Values: make(map[string]Value, len(c.Values)+len(other.Values))}
	maps.Copy(out.Values, c.Values)
	maps.Copy(out.Values, other.Values)

	switch {
	case c.ValidUntil.IsZero():
		out.ValidUntil = other.ValidUntil
	case other.ValidUntil.IsZero() || c.ValidUntil.Before(other.ValidUntil):
		out.ValidUntil = c.ValidUntil
	default:
		out.ValidUntil = other.ValidUntil
	}

	return out
}

func (c ChoiceContext) lookup(key string, tag Tag) (string, error) {
	v, ok := c.Values[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingValue, key)
	}

	if v.Tag != tag {
		return "", fmt.Errorf("%w: %q is %s, want %s", ErrMissingValue, key, v.Tag, tag)
	}

	return v.Value, nil
}

// TextValue returns the text stored under key.
func (c ChoiceContext) TextValue(key string) (string, error) {
	return c.lookup(key, TagText)
}

// ContractIDValue returns the contract id stored under key.
func (c ChoiceContext) ContractIDValue(key string) (ledger.ContractID, error) {
	raw, err := c.lookup(key, TagContractID)

	return ledger.ContractID(raw), err
}

// BoolValue returns the bool stored under key.
func (c ChoiceContext) BoolValue(key string) (bool, error) {
	raw, err := c.lookup(key, TagBool)
	if err != nil {
		return false, err
	}

	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrMissingValue, key, err)
	}

	return b, nil
}

// DecimalValue returns the decimal stored under key.
func (c ChoiceContext) DecimalValue(key string) (decimal.Decimal, error) {
	raw, err := c.lookup(key, TagDecimal)
	if err != nil {
		return decimal.Zero, err
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %w", ErrMissingValue, key, err)
	}

	return d, nil
}

// TimeValue returns the time stored under key.
func (c ChoiceContext) TimeValue(key string) (time.Time, error) {
	raw, err := c.lookup(key, TagTime)
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrMissingValue, key, err)
	}

	return t, nil
}

// ExtraArgs accompany every choice: the context fetched off-ledger and
// caller metadata.
type ExtraArgs struct {
	Context ChoiceContext     `json:"context"`
	Meta    metadata.Metadata `json:"meta,omitempty"`
}

// NoExtra returns extra arguments with an empty context and no metadata.
func NoExtra() ExtraArgs {
	return ExtraArgs{Context: Empty()}
}

// Validate checks the metadata limits and the context window.
func (e ExtraArgs) Validate(now time.Time) error {
	if err := e.Meta.Validate(); err != nil {
		return err
	}

	return e.Context.CheckValid(now)
}

// DisclosedContract is a contract the submitter must attach so the ledger
// can validate a choice that reads it.
type DisclosedContract struct {
	ContractID     ledger.ContractID `json:"contractId"`
	TemplateID     ledger.TemplateID `json:"templateId"`
	Blob           string            `json:"createdEventBlob"`
	SynchronizerID string            `json:"synchronizerId,omitempty"`
}

// Disclosures is a set of disclosed contracts keyed by contract id.
type Disclosures map[ledger.ContractID]DisclosedContract

// Add inserts d, keeping the first entry for a repeated id.
func (ds Disclosures) Add(d DisclosedContract) {
	if _, ok := ds[d.ContractID]; !ok {
		ds[d.ContractID] = d
	}
}

// Merge returns the union of ds and other.
func (ds Disclosures) Merge(other Disclosures) Disclosures {
	out := make(Disclosures, len(ds)+len(other))
	maps.Copy(out, ds)

	for _, d := range other {
		out.Add(d)
	}

	return out
}

// List returns the disclosures ordered by contract id.
func (ds Disclosures) List() []DisclosedContract {
	out := slices.Collect(maps.Values(ds))
	slices.SortFunc(out, func(a, b DisclosedContract) int {
		switch {
		case a.ContractID < b.ContractID:
			return -1
		case a.ContractID > b.ContractID:
			return 1
		default:
			return 0
		}
	})

	return out
}

// MarshalJSON encodes the set as a list ordered by contract id.
func (ds Disclosures) MarshalJSON() ([]byte, error) {
	return json.Marshal(ds.List())
}

// UnmarshalJSON decodes a list, collapsing repeated ids.
func (ds *Disclosures) UnmarshalJSON(data []byte) error {
	var list []DisclosedContract
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	out := make(Disclosures, len(list))
	for _, d := range list {
		out.Add(d)
	}

	*ds = out

	return nil
}

// Response is what a provider returns for one request.
type Response struct {
	Context   ChoiceContext `json:"choiceContextData"`
	Disclosed Disclosures   `json:"disclosedContracts"`
}

// ValidUntil mirrors the context validity.
func (r Response) ValidUntil() time.Time { return r.Context.ValidUntil }

// Merge combines two responses.
func (r Response) Merge(other Response) Response {
	return Response{
		Context:   r.Context.Merge(other.Context),
		Disclosed: r.Disclosed.Merge(other.Disclosed),
	}
}

// Extra turns the response into choice arguments carrying meta.
func (r Response) Extra(meta metadata.Metadata) ExtraArgs {
	return ExtraArgs{Context: r.Context, Meta: meta}
}

//go:build unit

package choicecontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestChoiceContext_CheckValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		until   time.Time
		now     time.Time
		wantErr bool
	}{
		{name: "no expiry", now: t0},
		{name: "before expiry", until: t0.Add(time.Minute), now: t0},
		{name: "at expiry", until: t0, now: t0, wantErr: true},
		{name: "after expiry", until: t0, now: t0.Add(time.Second), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ChoiceContext{ValidUntil: tt.until}.CheckValid(tt.now)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, ErrContextExpired)
			assert.True(t, ledger.IsStale(err))
		})
	}
}

func TestChoiceContext_TypedValues(t *testing.T) {
	t.Parallel()

	c := Empty().
		With("name", Text("fee")).
		With("schedule", ContractID("cid-1")).
		With("flag", Bool(true)).
		With("rate", Decimal(decimal.RequireFromString("0.0025"))).
		With("at", Time(t0))

	name, err := c.TextValue("name")
	require.NoError(t, err)
	assert.Equal(t, "fee", name)

	cid, err := c.ContractIDValue("schedule")
	require.NoError(t, err)
	assert.Equal(t, ledger.ContractID("cid-1"), cid)

	flag, err := c.BoolValue("flag")
	require.NoError(t, err)
	assert.True(t, flag)

	rate, err := c.DecimalValue("rate")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.0025")))

	at, err := c.TimeValue("at")
	require.NoError(t, err)
	assert.True(t, at.Equal(t0))

	_, err = c.TextValue("missing")
	assert.ErrorIs(t, err, ErrMissingValue)

	_, err = c.DecimalValue("name")
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestChoiceContext_Merge(t *testing.T) {
	t.Parallel()

	a := ChoiceContext{Values: map[string]Value{"x": Text("a"), "y": Text("a")}, ValidUntil: t0.Add(time.Hour)}
	b := ChoiceContext{Values: map[string]Value{"y": Text("b")}, ValidUntil: t0.Add(time.Minute)}

	m := a.Merge(b)
	assert.Equal(t, Text("a"), m.Values["x"])
	assert.Equal(t, Text("b"), m.Values["y"])
	assert.Equal(t, t0.Add(time.Minute), m.ValidUntil)

	assert.Equal(t, a.ValidUntil, a.Merge(Empty()).ValidUntil)
	assert.Equal(t, b.ValidUntil, Empty().Merge(b).ValidUntil)
}

func TestExtraArgs_Validate(t *testing.T) {
	t.Parallel()

	big := metadata.Metadata{}
	for i := 0; i < metadata.MaxEntries+1; i++ {
		big[fmt.Sprintf("k%d", i)] = "v"
	}

	assert.NoError(t, NoExtra().Validate(t0))
	assert.ErrorIs(t, ExtraArgs{Meta: big}.Validate(t0), metadata.ErrTooManyEntries)
	assert.ErrorIs(t, ExtraArgs{Context: ChoiceContext{ValidUntil: t0}}.Validate(t0), ErrContextExpired)
}

func TestDisclosures_MergeAndJSON(t *testing.T) {
	t.Parallel()

	a := Disclosures{}
	a.Add(DisclosedContract{ContractID: "b", TemplateID: "T", Blob: "first"})
	a.Add(DisclosedContract{ContractID: "b", TemplateID: "T", Blob: "second"})

	b := Disclosures{"a": {ContractID: "a", TemplateID: "T"}, "b": {ContractID: "b", Blob: "other"}}
	m := a.Merge(b)

	require.Len(t, m, 2)
	assert.Equal(t, "first", m["b"].Blob)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"contractId":"a","templateId":"T","createdEventBlob":""},{"contractId":"b","templateId":"T","createdEventBlob":"first"}]`, string(raw))

	var back Disclosures
	require.NoError(t, json.Unmarshal([]byte(`[{"contractId":"x"},{"contractId":"x","createdEventBlob":"dup"}]`), &back))
	assert.Len(t, back, 1)
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Request{Kind: KindAllocationCancel, ContractID: "a"}.Validate())
	assert.NoError(t, Request{Kind: KindAllocationFactory}.Validate())
	assert.ErrorIs(t, Request{Kind: KindTransferAbort}.Validate(), ErrContractRequired)
	assert.ErrorIs(t, Request{Kind: "bogus"}.Validate(), ErrUnknownKind)
}

func TestFetchAll(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	p := ProviderFunc(func(_ context.Context, req Request) (Response, error) {
		calls.Add(1)

		ds := Disclosures{}
		ds.Add(DisclosedContract{ContractID: "shared"})
		ds.Add(DisclosedContract{ContractID: req.ContractID})

		return Response{
			Context:   Empty().With(string(req.Kind), Text(string(req.ContractID))),
			Disclosed: ds,
		}, nil
	})

	resp, err := FetchAll(context.Background(), p,
		Request{Kind: KindAllocationExecuteTransfer, ContractID: "a1"},
		Request{Kind: KindAllocationCancel, ContractID: "a2"},
	)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, resp.Context.Values, 2)
	assert.Len(t, resp.Disclosed, 3)
}

func TestFetchAll_FirstErrorWins(t *testing.T) {
	t.Parallel()

	boom := errors.New("registry down")
	p := ProviderFunc(func(_ context.Context, req Request) (Response, error) {
		if req.ContractID == "bad" {
			return Response{}, boom
		}

		return Response{Context: Empty()}, nil
	})

	_, err := FetchAll(context.Background(), p,
		Request{Kind: KindAllocationWithdraw, ContractID: "ok"},
		Request{Kind: KindAllocationWithdraw, ContractID: "bad"},
	)
	assert.ErrorIs(t, err, boom)
}

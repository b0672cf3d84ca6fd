package choicecontext

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/errgroup"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
)

// Kind names the choice a context is requested for.
type Kind string

// Request kinds served by a registry.
const (
	KindAllocationExecuteTransfer   Kind = "execute-transfer"
	KindAllocationWithdraw          Kind = "withdraw"
	KindAllocationCancel            Kind = "cancel"
	KindAllocationFactory           Kind = "allocation-factory"
	KindAllocationDelegationFactory Kind = "allocation-delegation-factory"
	KindTransferFactory             Kind = "transfer-factory"
	KindTransferExecute             Kind = "transfer-execute"
	KindTransferAbort               Kind = "transfer-abort"
)

// Factory reports whether the kind is served by a POST with choice arguments
// rather than a GET on an existing contract.
func (k Kind) Factory() bool {
	switch k {
	case KindAllocationFactory, KindAllocationDelegationFactory, KindTransferFactory:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAllocationExecuteTransfer, KindAllocationWithdraw, KindAllocationCancel,
		KindAllocationFactory, KindAllocationDelegationFactory,
		KindTransferFactory, KindTransferExecute, KindTransferAbort:
		return true
	default:
		return false
	}
}

// Request asks a provider for the context of one choice. Per-contract kinds
// name the contract; factory kinds carry the choice arguments instead.
type Request struct {
	Kind               Kind              `json:"kind"`
	ContractID         ledger.ContractID `json:"contractId,omitempty"`
	ChoiceArguments    json.RawMessage   `json:"choiceArguments,omitempty"`
	ExcludeDebugFields bool              `json:"excludeDebugFields,omitempty"`
}

// Validate checks the kind and its addressing.
func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}

	if !r.Kind.Factory() && r.ContractID == "" {
		return fmt.Errorf("%w: %s", ErrContractRequired, r.Kind)
	}

	return nil
}

// Provider supplies choice contexts.
type Provider interface {
	ChoiceContext(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

// ChoiceContext implements Provider.
func (f ProviderFunc) ChoiceContext(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// maxConcurrentFetches bounds FetchAll fan-out.
const maxConcurrentFetches = 8

// FetchAll requests every context concurrently and merges the responses.
// Disclosures repeated across responses are collapsed. The first failure
// cancels the remaining requests.
func FetchAll(ctx context.Context, p Provider, reqs ...Request) (Response, error) {
	responses := make([]Response, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for i, req := range reqs {
		g.Go(func() error {
			resp, err := p.ChoiceContext(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s context: %w", req.Kind, err)
			}

			responses[i] = resp

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	merged := Response{Context: Empty(), Disclosed: Disclosures{}}
	for _, resp := range responses {
		merged = merged.Merge(resp)
	}

	return merged, nil
}

// Route returns the HTTP method and path under which an off-ledger registry
// serves req.
func Route(req Request) (method, path string, err error) {
	if err := req.Validate(); err != nil {
		return "", "", err
	}

	id := url.PathEscape(string(req.ContractID))

	switch req.Kind {
	case KindAllocationExecuteTransfer, KindAllocationWithdraw, KindAllocationCancel:
		return http.MethodGet, "/allocation/" + id + "/choice-contexts/" + string(req.Kind), nil
	case KindAllocationFactory, KindAllocationDelegationFactory:
		return http.MethodPost, "/allocation-instruction/" + string(req.Kind), nil
	case KindTransferFactory:
		return http.MethodPost, "/transfer-instruction/" + string(req.Kind), nil
	case KindTransferExecute:
		return http.MethodGet, "/transfer-instruction/" + id + "/choice-contexts/execute", nil
	default:
		return http.MethodGet, "/transfer-instruction/" + id + "/choice-contexts/abort", nil
	}
}

package offledger

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	nethttp "github.com/LerianStudio/lib-tokenstandard/tokenstandard/net/http"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/gofiber/fiber/v2"
)

// ErrHandlerDependencies is returned when a Handler lacks its registry.
var ErrHandlerDependencies = errors.New("offledger: handler requires a registry")

// Handler serves the off-ledger endpoints of one registry.
type Handler struct {
	registry *registry.Registry
	contexts choicecontext.Provider
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithContextProvider serves choice contexts from p instead of computing
// them on the registry directly. It is used to put a cache in front.
func WithContextProvider(p choicecontext.Provider) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.contexts = p
		}
	}
}

// NewHandler returns a Handler for reg.
func NewHandler(reg *registry.Registry, opts ...HandlerOption) (*Handler, error) {
	if reg == nil {
		return nil, ErrHandlerDependencies
	}

	h := &Handler{registry: reg, contexts: reg}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h, nil
}

// Routes registers every off-ledger endpoint on router.
func Routes(router fiber.Router, h *Handler) {
	router.Get("/health", health)
	router.Get("/version", nethttp.Version)

	router.Get("/registry/info", h.info)
	router.Get("/registry/instruments", h.instruments)
	router.Get("/registry/instruments/:id", h.instrument)

	for _, kind := range []choicecontext.Kind{
		choicecontext.KindAllocationExecuteTransfer,
		choicecontext.KindAllocationWithdraw,
		choicecontext.KindAllocationCancel,
	} {
		router.Get("/allocation/:id/choice-contexts/"+string(kind), h.contractContext(kind))
	}

	router.Get("/transfer-instruction/:id/choice-contexts/execute", h.contractContext(choicecontext.KindTransferExecute))
	router.Get("/transfer-instruction/:id/choice-contexts/abort", h.contractContext(choicecontext.KindTransferAbort))

	router.Post("/allocation-instruction/allocation-factory", h.factoryContext(choicecontext.KindAllocationFactory))
	router.Post("/allocation-instruction/allocation-delegation-factory", h.factoryContext(choicecontext.KindAllocationDelegationFactory))
	router.Post("/transfer-instruction/transfer-factory", h.factoryContext(choicecontext.KindTransferFactory))
}

func health(c *fiber.Ctx) error {
	return c.SendString("healthy")
}

func (h *Handler) info(c *fiber.Ctx) error {
	return nethttp.OK(c, h.registry.Info())
}

func (h *Handler) instruments(c *fiber.Ctx) error {
	cursor, limit, err := nethttp.ParseOpaqueCursorPagination(c)
	if err != nil {
		return err
	}

	items, after, err := h.registry.Instruments(c.UserContext(), limit, cursor.After)
	if err != nil {
		return err
	}

	page := nethttp.Page[registry.Instrument]{Items: items, Limit: limit}
	if page.Items == nil {
		page.Items = []registry.Instrument{}
	}

	if after != "" {
		if page.NextCursor, err = nethttp.EncodeCursor(nethttp.Cursor{After: after}); err != nil {
			return err
		}
	}

	return nethttp.OK(c, page)
}

func (h *Handler) instrument(c *fiber.Ctx) error {
	id := token.InstrumentID{Admin: h.registry.Admin(), ID: c.Params("id")}

	inst, err := h.registry.Instrument(c.UserContext(), id)
	if err != nil {
		return err
	}

	return nethttp.OK(c, inst)
}

func (h *Handler) contractContext(kind choicecontext.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		exclude, _ := strconv.ParseBool(c.Query("excludeDebugFields"))

		return h.serveContext(c, choicecontext.Request{
			Kind:               kind,
			ContractID:         ledger.ContractID(c.Params("id")),
			ExcludeDebugFields: exclude,
		})
	}
}

// factoryRequest is the body of the factory context endpoints.
type factoryRequest struct {
	ChoiceArguments    json.RawMessage `json:"choiceArguments"    validate:"required"`
	ExcludeDebugFields bool            `json:"excludeDebugFields"`
}

func (h *Handler) factoryContext(kind choicecontext.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body factoryRequest
		if err := nethttp.ParseBodyAndValidate(c, &body); err != nil {
			return err
		}

		return h.serveContext(c, choicecontext.Request{
			Kind:               kind,
			ChoiceArguments:    body.ChoiceArguments,
			ExcludeDebugFields: body.ExcludeDebugFields,
		})
	}
}

func (h *Handler) serveContext(c *fiber.Ctx, req choicecontext.Request) error {
	ctx := c.UserContext()

	resp, err := h.contexts.ChoiceContext(ctx, req)
	if err != nil {
		if errors.Is(err, choicecontext.ErrContractRequired) || errors.Is(err, choicecontext.ErrUnknownKind) {
			return nethttp.ErrorResponse{Code: fiber.StatusBadRequest, Title: "invalid_request", Message: err.Error()}
		}

		if ledger.IsStale(err) {
			tokenstandard.NewLoggerFromContext(ctx).Log(ctx, log.LevelDebug, "choice context for stale contract",
				log.String("kind", string(req.Kind)), log.ContractID(string(req.ContractID)))
		}

		return err
	}

	return nethttp.OK(c, resp)
}

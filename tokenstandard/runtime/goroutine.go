package runtime

import "context"

// SafeGo runs fn in a goroutine with panic recovery.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContextAndComponent(context.Background(), logger, "", name, policy, func(context.Context) { fn() })
}

// SafeGoWithContextAndComponent runs fn in a goroutine with panic recovery,
// tagging logs, spans and metrics with component and name.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

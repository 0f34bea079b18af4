// Package app wires the license server together and manages its lifecycle.
//
// NewApplication builds every component from a config.Config: the license
// store and lock backend, the optional grant signer, the Discord and Telegram
// collaborators, the event hub, the expiry scheduler and the HTTP router.
// Nothing runs until Run is called.
//
// Run starts the HTTP server and the background loops in one errgroup and
// returns after SIGINT, SIGTERM or cancellation of its context, once the
// server has drained and outstanding integration calls have finished:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		return err
//	}
//	application, err := app.NewApplication(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	return application.Run(ctx)
package app

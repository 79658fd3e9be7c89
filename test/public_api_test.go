package test

import (
	"context"
	"net/http"
	"testing"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/middleware"
)

// This test intentionally guards public API compile-compat for consumers.
func TestPublicAPISurfaceCompile(t *testing.T) {
	_ = goVerify.New
	_ = goVerify.PublicMessage

	var _ *goVerify.Engine
	var _ goVerify.Config
	var _ goVerify.RequestCodeResult
	var _ goVerify.SubmitCodeResult
	var _ goVerify.CredentialResult
	var _ goVerify.ExecuteResult
	var _ goVerify.SessionView
	var _ goVerify.IdentityProvider
	var _ goVerify.ChannelAdapter
	var _ goVerify.AuditSink

	var _ error = goVerify.ErrRateLimited
	var _ error = goVerify.ErrInvalidCode
	var _ error = goVerify.ErrCodeExpired
	var _ error = goVerify.ErrSessionClosed
	var _ error = goVerify.ErrSessionNotFound
	var _ error = goVerify.ErrProviderUnavailable
	var _ error = goVerify.ErrProviderPermanentFailure

	var _ func(middleware.ContextOptions) func(http.Handler) http.Handler = middleware.RequestContext
	var _ func(http.Handler) http.Handler = middleware.RequireReference

	var _ func(*goVerify.Engine, context.Context, string, goVerify.ChannelType) (goVerify.RequestCodeResult, error) = (*goVerify.Engine).RequestCode
	var _ func(*goVerify.Engine, context.Context, string, string) (goVerify.SubmitCodeResult, error) = (*goVerify.Engine).SubmitCode
	var _ func(*goVerify.Engine, context.Context, string, string) (goVerify.CredentialResult, error) = (*goVerify.Engine).SubmitNewCredential
	var _ func(*goVerify.Engine, context.Context, string) (goVerify.ExecuteResult, error) = (*goVerify.Engine).ConfirmAndExecute
	var _ func(*goVerify.Engine, context.Context, string) error = (*goVerify.Engine).Abort
	var _ func(*goVerify.Engine, context.Context, string) (goVerify.SessionView, error) = (*goVerify.Engine).Session
}

// Package runner implements the registration flow for a single-use
// GitHub Actions runner on a freshly booted virtual machine: resolve the
// registration URL, obtain tokens, compose the lifecycle script, then
// upload and launch it over the machine's remote shell.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Connection is a remote shell session on the virtual machine.
type Connection interface {
	// Execute runs command and waits for it to finish.
	Execute(ctx context.Context, command string) (string, error)

	// Launch starts command detached from the session and returns
	// without waiting for it to finish.
	Launch(ctx context.Context, command string) error
}

// Config holds the Handler's collaborators.
type Config struct {
	// BaseURL is the platform address.  Default: DefaultBaseURL.
	BaseURL     *url.URL
	Options     Options
	Credentials CredentialsSource
	Client      APIClient
	Logger      *slog.Logger
}

// Handler provisions a runner every time a machine connection is
// established.  It keeps no per-registration state and is safe for
// concurrent use.
type Handler struct {
	baseURL     *url.URL
	options     Options
	credentials CredentialsSource
	client      APIClient
	logger      *slog.Logger

	tracer trace.Tracer

	registrations        metric.Int64Counter
	registrationDuration metric.Float64Histogram
}

// New creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("runner: API client is required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("runner: credentials source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BaseURL == nil {
		u, err := url.Parse(DefaultBaseURL)
		if err != nil {
			return nil, err
		}
		cfg.BaseURL = u
	}

	h := &Handler{
		baseURL:     cfg.BaseURL,
		options:     cfg.Options,
		credentials: cfg.Credentials,
		client:      cfg.Client,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("vmrunner/runner"),
	}

	meter := otel.Meter("vmrunner/runner")

	var err error
	h.registrations, err = meter.Int64Counter(
		"vmrunner.registrations",
		metric.WithDescription("Total number of runner registration attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create registrations counter", slog.String("error", err.Error()))
	}

	h.registrationDuration, err = meter.Float64Histogram(
		"vmrunner.registration.duration",
		metric.WithDescription("Time from connection to runner launch (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 30, 60),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create registrationDuration histogram", slog.String("error", err.Error()))
	}

	return h, nil
}

// OnConnected registers and launches a runner on vm over conn.
//
// Nothing is sent over conn unless URL resolution, token acquisition
// and script composition all succeed and ctx is still live.  Transport
// errors are returned unchanged; nothing is retried.
func (h *Handler) OnConnected(ctx context.Context, vm VirtualMachine, conn Connection) (err error) {
	ctx, span := h.tracer.Start(ctx, "runner.OnConnected")
	defer span.End()

	start := time.Now()
	logger := h.logger.With(
		slog.String("attempt", uuid.NewString()),
		slog.String("vm", vm.Name),
	)
	span.SetAttributes(
		attribute.String("vm.name", vm.Name),
		attribute.String("runner.scope", string(h.options.Scope)),
	)

	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if h.registrations != nil {
			h.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		}
		if h.registrationDuration != nil {
			h.registrationDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	logger.Info("virtual machine connected")

	runnerURL, err := RegistrationURL(h.baseURL, h.options.Scope, h.credentials.Credentials())
	if err != nil {
		logger.Error("cannot resolve runner URL",
			slog.String("scope", string(h.options.Scope)),
			slog.String("error", err.Error()),
		)
		return err
	}
	span.SetAttributes(attribute.String("runner.url", runnerURL.String()))

	// Token acquisition only shares the scope with URL resolution.
	tokens, err := h.acquireTokens(ctx)
	if err != nil {
		logger.Error("cannot acquire runner tokens", slog.String("error", err.Error()))
		return err
	}

	name := RunnerName(h.options.Name, vm)
	span.SetAttributes(attribute.String("runner.name", name))

	script, err := ComposeScript(ScriptParams{
		RunnerURL:         runnerURL,
		RegistrationToken: tokens.RegistrationToken,
		DownloadURL:       tokens.DownloadURL,
		RunnerName:        name,
		Options:           h.options,
	})
	if err != nil {
		logger.Error("cannot compose lifecycle script", slog.String("error", err.Error()))
		return err
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("registration cancelled before upload", slog.String("error", err.Error()))
		return err
	}

	logger.Info("starting runner",
		slog.String("runner", name),
		slog.String("url", runnerURL.String()),
	)
	if err := h.upload(ctx, conn, script); err != nil {
		logger.Error("failed to start runner", slog.String("error", err.Error()))
		return err
	}

	logger.Info("runner launched", slog.String("runner", name))
	return nil
}

func (h *Handler) acquireTokens(ctx context.Context) (Tokens, error) {
	ctx, span := h.tracer.Start(ctx, "runner.AcquireTokens")
	defer span.End()

	tokens, err := AcquireTokens(ctx, h.client, h.options.Scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Tokens{}, err
	}
	return tokens, nil
}

// upload writes the script to ScriptPath, makes it executable and
// launches it.  The script body is never logged.
func (h *Handler) upload(ctx context.Context, conn Connection, script string) error {
	ctx, span := h.tracer.Start(ctx, "runner.upload")
	defer span.End()

	commands := []string{
		"touch " + ScriptPath,
		writeScriptCommand(script),
		"chmod +x " + ScriptPath,
	}
	for _, cmd := range commands {
		if _, err := conn.Execute(ctx, cmd); err != nil {
			span.RecordError(err)
			return err
		}
	}

	span.AddEvent("launching lifecycle script")
	if err := conn.Launch(ctx, ScriptPath); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

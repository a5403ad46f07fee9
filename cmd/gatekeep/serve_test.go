// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/config"
	"github.com/gatekeep/gatekeep/internal/seed"
	"github.com/gatekeep/gatekeep/internal/webauthn/webauthntest"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

const (
	servePassword = "correct horse battery"
	serveOrigin   = config.DefaultOrigin
	serveRPID     = "localhost"
	clientIP      = "198.51.100.20"
)

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var otpPattern = regexp.MustCompile(`"otp":"([^"]+)"`)

// lastCode returns the most recent code the log dispatcher emitted.
func (b *syncBuffer) lastCode(t *testing.T) string {
	t.Helper()
	matches := otpPattern.FindAllStringSubmatch(b.String(), -1)
	require.NotEmpty(t, matches, "no verification code in logs")
	return matches[len(matches)-1][1]
}

// writeSeed writes a seed file with one user owning authn's passkey.
func writeSeed(t *testing.T, username string, authn *webauthntest.Authenticator) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	doc := fmt.Sprintf(`users:
  - username: %s
    email: %s@example.com
    password: %s
    passkeys:
      - credential_id: %s
        public_key: %s
`, username, username, servePassword, authn.CredentialID, base64.StdEncoding.EncodeToString(authn.PublicKeyDER(t)))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

type serveRun struct {
	out  *bytes.Buffer
	logs *syncBuffer
	err  error
}

// runServe executes the serve command with flags applied. ready runs once
// startup completes and the service is shut down when it returns.
func runServe(t *testing.T, flags map[string]string, deps ServeDeps, ready func(*Runtime, *syncBuffer)) serveRun {
	t.Helper()
	isolateConfig(t)

	cmd := NewServeCmd()
	run := serveRun{out: new(bytes.Buffer), logs: &syncBuffer{}}
	cmd.SetOut(run.out)
	for name, value := range flags {
		require.NoError(t, cmd.Flags().Set(name, value), name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if deps.DatabaseURLGetter == nil {
		deps.DatabaseURLGetter = func() string { return "" }
	}
	deps.LogWriter = run.logs
	deps.Ready = func(rt *Runtime) {
		if ready != nil {
			ready(rt, run.logs)
		}
		cancel()
	}
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	run.err = runServeWithDeps(ctx, cmd, &deps)
	return run
}

// login runs all three steps against the rate-limited authenticator.
func login(t *testing.T, rt *Runtime, logs *syncBuffer, username string, authn *webauthntest.Authenticator) auth.TokenPair {
	t.Helper()
	ctx := context.Background()
	a := rt.Guard.ForIP(clientIP)

	sessionID, err := a.BeginPassword(ctx, username, servePassword)
	require.NoError(t, err)
	require.NoError(t, a.RequestEmailCode(ctx, sessionID))
	step2, err := a.VerifyEmailCode(ctx, sessionID, logs.lastCode(t))
	require.NoError(t, err)

	pc, err := a.BeginPasskey(ctx, step2)
	require.NoError(t, err)
	assertion := authn.Assert(t, webauthntest.AssertOptions{Challenge: pc.Challenge, Origin: serveOrigin, RPID: serveRPID})
	pair, err := a.CompletePasskey(ctx, step2, assertion, serveOrigin)
	require.NoError(t, err)
	return pair
}

func TestServe_LoginWithSeedFile(t *testing.T) {
	authn := webauthntest.New(t)
	seedPath := writeSeed(t, "alice", authn)

	readyCalled := false
	run := runServe(t, map[string]string{
		"seed-file":    seedPath,
		"metrics-addr": "",
		"workers":      "2",
	}, ServeDeps{}, func(rt *Runtime, logs *syncBuffer) {
		readyCalled = true
		assert.Equal(t, serveRPID, rt.Service.RPID())
		assert.Equal(t, 1, rt.Store.UserCount())

		ctx := context.Background()
		pair := login(t, rt, logs, "alice", authn)
		userID, err := rt.Guard.VerifyAccessToken(ctx, pair.AccessToken)
		require.NoError(t, err)
		u, err := rt.Store.FindUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.ID, userID)

		rotated, err := rt.Guard.RotateRefreshToken(ctx, pair.RefreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, pair.RefreshToken, rotated)

		assert.InDelta(t, 1, testutil.ToFloat64(rt.Metrics.StepsTotal.WithLabelValues(auth.StepPasskeyComplete, auth.OutcomeSuccess)), 0)
	})

	require.NoError(t, run.err)
	assert.True(t, readyCalled)
	assert.Contains(t, run.out.String(), "Gatekeep started")
	assert.Contains(t, run.logs.String(), "shutdown complete")
	assert.NotContains(t, run.logs.String(), servePassword)
}

func TestServe_DevelopmentDefaultAccount(t *testing.T) {
	run := runServe(t, map[string]string{"metrics-addr": ""}, ServeDeps{}, func(rt *Runtime, _ *syncBuffer) {
		assert.Equal(t, 1, rt.Store.UserCount())
		_, err := rt.Guard.ForIP(clientIP).BeginPassword(context.Background(), seed.DevUsername, seed.DevPassword)
		require.NoError(t, err)
	})
	require.NoError(t, run.err)
	assert.Contains(t, run.logs.String(), "using development account")
}

func TestServe_PasswordLockout(t *testing.T) {
	authn := webauthntest.New(t)
	seedPath := writeSeed(t, "alice", authn)

	run := runServe(t, map[string]string{"seed-file": seedPath, "metrics-addr": ""}, ServeDeps{}, func(rt *Runtime, _ *syncBuffer) {
		ctx := context.Background()
		a := rt.Guard.ForIP(clientIP)
		limit := rt.Guard.Config().UsernameFailureLimit
		for i := 0; i < limit; i++ {
			_, err := a.BeginPassword(ctx, "alice", "wrong password")
			require.Error(t, err)
		}
		_, err := a.BeginPassword(ctx, "alice", servePassword)
		errutil.AssertErrorCode(t, err, auth.CodeLocked)
	})
	require.NoError(t, run.err)
}

func TestServe_RedisWindows(t *testing.T) {
	mr := miniredis.RunT(t)
	authn := webauthntest.New(t)
	seedPath := writeSeed(t, "alice", authn)

	run := runServe(t, map[string]string{
		"seed-file":    seedPath,
		"metrics-addr": "",
		"redis-addr":   mr.Addr(),
	}, ServeDeps{}, func(rt *Runtime, logs *syncBuffer) {
		login(t, rt, logs, "alice", authn)
		assert.NotEmpty(t, mr.Keys(), "rate-limit windows should live in redis")
	})
	require.NoError(t, run.err)
}

func TestServe_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	run := runServe(t, map[string]string{"metrics-addr": "", "redis-addr": addr}, ServeDeps{}, nil)
	errutil.AssertErrorCode(t, run.err, "REDIS_CONNECT_FAILED")
}

func TestServe_ReadinessDuringRun(t *testing.T) {
	var status int
	run := runServe(t, map[string]string{"metrics-addr": "127.0.0.1:0"}, ServeDeps{}, func(_ *Runtime, logs *syncBuffer) {
		addrs := regexp.MustCompile(`"metrics_addr":"([^"]+)"`).FindStringSubmatch(logs.String())
		require.Len(t, addrs, 2)
		resp, err := http.Get("http://" + addrs[1] + "/healthz/readiness") //nolint:noctx // test request
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	})
	require.NoError(t, run.err)
	assert.Equal(t, http.StatusOK, status)
}

func TestServe_StartupFailures(t *testing.T) {
	t.Run("invalid configuration", func(t *testing.T) {
		run := runServe(t, map[string]string{"workers": "0"}, ServeDeps{}, nil)
		errutil.AssertErrorCode(t, run.err, "CONFIG_INVALID")
	})

	t.Run("observability listen failure", func(t *testing.T) {
		run := runServe(t, map[string]string{"metrics-addr": "256.0.0.1:bad"}, ServeDeps{}, nil)
		errutil.AssertErrorCode(t, run.err, "OBSERVABILITY_START_FAILED")
	})

	t.Run("migration failure", func(t *testing.T) {
		deps := ServeDeps{
			DatabaseURLGetter: func() string { return "postgres://env/db" },
			MigratorFactory: func(string) (AutoMigrator, error) {
				return &fakeMigrator{upErr: errors.New("dirty database")}, nil
			},
		}
		run := runServe(t, map[string]string{"metrics-addr": ""}, deps, nil)
		errutil.AssertErrorCode(t, run.err, "MIGRATION_FAILED")
	})

	t.Run("pool connect failure skips migration when disabled", func(t *testing.T) {
		migrated := false
		deps := ServeDeps{
			DatabaseURLGetter: func() string { return "postgres://env/db" },
			MigratorFactory: func(string) (AutoMigrator, error) {
				migrated = true
				return &fakeMigrator{}, nil
			},
			PoolConnector: func(context.Context, string, *slog.Logger) (Pool, error) {
				return nil, oops.Code("DB_CONNECT_FAILED").Errorf("connection refused")
			},
		}
		run := runServe(t, map[string]string{"metrics-addr": "", "auto-migrate": "false"}, deps, nil)
		errutil.AssertErrorCode(t, run.err, "DB_CONNECT_FAILED")
		assert.False(t, migrated)
	})

	t.Run("missing seed file", func(t *testing.T) {
		run := runServe(t, map[string]string{"metrics-addr": "", "seed-file": filepath.Join(t.TempDir(), "absent.yaml")}, ServeDeps{}, nil)
		errutil.AssertErrorCode(t, run.err, "SEED_READ_FAILED")
	})
}

func newStoreWithRepo(repo auth.UserRepository) *memory.Store {
	if repo == nil {
		return memory.New()
	}
	return memory.New(memory.WithUserRepository(repo))
}

func TestLoadUsers_Repository(t *testing.T) {
	authn := webauthntest.New(t)
	seedPath := writeSeed(t, "alice", authn)
	repo := newFakeRepo()

	cfg := config.Default()
	cfg.SeedFile = seedPath
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	hasher := auth.NewScryptHasher()
	ctx := context.Background()

	s := newStoreWithRepo(repo)
	require.NoError(t, loadUsers(ctx, cfg, s, repo, hasher, logger))
	assert.True(t, repo.has("alice"))
	assert.Equal(t, 1, s.UserCount())

	// A second start finds the user already registered.
	s = newStoreWithRepo(repo)
	require.NoError(t, loadUsers(ctx, cfg, s, repo, hasher, logger))
	assert.Equal(t, 1, s.UserCount())
	assert.Contains(t, logs.String(), "seed user already exists")
}

func TestLoadUsers_EmptyRepositoryWarns(t *testing.T) {
	repo := newFakeRepo()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	cfg := config.Default()
	s := newStoreWithRepo(repo)
	require.NoError(t, loadUsers(context.Background(), cfg, s, repo, auth.NewScryptHasher(), logger))
	assert.Zero(t, s.UserCount())
	assert.Contains(t, logs.String(), "every login will fail")
}

func TestLoadUsers_ProductionWithoutSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = config.EnvProduction
	s := newStoreWithRepo(nil)
	require.NoError(t, loadUsers(context.Background(), cfg, s, nil, auth.NewScryptHasher(), slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.Zero(t, s.UserCount())
}

func TestDispatcherFor(t *testing.T) {
	cfg := config.Default()
	assert.IsType(t, &auth.LogDispatcher{}, dispatcherFor(cfg, slog.Default()))

	cfg.Email.Transport = config.EmailTransportNone
	assert.IsType(t, auth.UnconfiguredDispatcher{}, dispatcherFor(cfg, slog.Default()))
}

func TestMonitorServerErrors(t *testing.T) {
	t.Run("error cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 1)
		errCh <- errors.New("listener died")

		monitorServerErrors(ctx, cancel, errCh, "test")
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("closed channel does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error)
		close(errCh)

		monitorServerErrors(ctx, cancel, errCh, "test")
		assert.NoError(t, ctx.Err())
	})

	t.Run("context cancellation returns", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		monitorServerErrors(ctx, cancel, make(chan error), "test")
	})
}

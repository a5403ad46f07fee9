// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package login_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/redis/go-redis/v9"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	"github.com/gatekeep/gatekeep/internal/ratelimit"
	"github.com/gatekeep/gatekeep/internal/webauthn"
	"github.com/gatekeep/gatekeep/internal/webauthn/webauthntest"
)

const (
	origin   = "https://login.example.com"
	rpID     = "login.example.com"
	password = "correct horse battery"
	clientIP = "192.0.2.44"
)

var _ = Describe("Three-step login", func() {
	var (
		ctx    context.Context
		repo   *postgres.UserRepository
		credDB *memory.Store
		mail   *mailbox
		guard  *ratelimit.Guard
		authn  *webauthntest.Authenticator
		client *redis.Client
	)

	// startService loads users from PostgreSQL into a fresh store, as a
	// restart would.
	startService := func() {
		credDB = memory.New(memory.WithUserRepository(repo))
		_, err := credDB.LoadUsers(ctx, repo)
		Expect(err).NotTo(HaveOccurred())

		svc, err := auth.NewService(auth.ServiceDeps{
			Store:      credDB,
			Hasher:     auth.NewScryptHasher(),
			Verifier:   webauthn.NewVerifier(),
			Dispatcher: mail,
			Origin:     origin,
		})
		Expect(err).NotTo(HaveOccurred())

		guard, err = ratelimit.NewGuard(svc, ratelimit.NewRedisWindows(client, ""), ratelimit.Config{})
		Expect(err).NotTo(HaveOccurred())
	}

	register := func(username string, a *webauthntest.Authenticator) {
		hash, err := auth.NewScryptHasher().Hash(password)
		Expect(err).NotTo(HaveOccurred())
		u, err := auth.NewUser(username, username+"@example.com", hash, auth.Passkey{
			CredentialID: a.CredentialID,
			PublicKey:    a.PublicKeyDER(GinkgoTB()),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, u)).To(Succeed())
	}

	step2 := func(a auth.Authenticator, username string) string {
		sessionID, err := a.BeginPassword(ctx, username, password)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.RequestEmailCode(ctx, sessionID)).To(Succeed())
		token, err := a.VerifyEmailCode(ctx, sessionID, mail.last(username+"@example.com"))
		Expect(err).NotTo(HaveOccurred())
		return token
	}

	BeforeEach(func() {
		ctx = context.Background()
		resetData(ctx)
		repo = postgres.NewUserRepository(env.pool)
		mail = newMailbox()
		authn = webauthntest.New(GinkgoTB())
		client = redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
		DeferCleanup(client.Close)

		register("alice", authn)
		startService()
	})

	It("issues a token pair and persists the passkey counter", func() {
		a := guard.ForIP(clientIP)
		token := step2(a, "alice")

		pc, err := a.BeginPasskey(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		Expect(pc.Options.RPID).To(Equal(rpID))

		pair, err := a.CompletePasskey(ctx, token,
			authn.Assert(GinkgoTB(), webauthntest.AssertOptions{Challenge: pc.Challenge, Origin: origin, RPID: rpID}), origin)
		Expect(err).NotTo(HaveOccurred())
		Expect(pair.AccessToken).NotTo(BeEmpty())
		Expect(pair.RefreshToken).NotTo(BeEmpty())

		users, err := repo.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(users).To(HaveLen(1))
		Expect(users[0].Passkeys[0].SignCount).To(Equal(authn.Counter()))
	})

	It("rejects a replayed counter after a restart", func() {
		a := guard.ForIP(clientIP)
		token := step2(a, "alice")
		pc, err := a.BeginPasskey(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		_, err = a.CompletePasskey(ctx, token, authn.Assert(GinkgoTB(), webauthntest.AssertOptions{
			Challenge: pc.Challenge, Origin: origin, RPID: rpID, SignCount: 5,
		}), origin)
		Expect(err).NotTo(HaveOccurred())

		startService()
		a = guard.ForIP(clientIP)
		token = step2(a, "alice")
		pc, err = a.BeginPasskey(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		_, err = a.CompletePasskey(ctx, token, authn.Assert(GinkgoTB(), webauthntest.AssertOptions{
			Challenge: pc.Challenge, Origin: origin, RPID: rpID, SignCount: 5,
		}), origin)
		Expect(auth.Code(err)).To(Equal(auth.CodeSignatureInvalid))
	})

	It("keeps a username lockout across service restarts", func() {
		a := guard.ForIP(clientIP)
		limit := guard.Config().UsernameFailureLimit
		for i := 0; i < limit; i++ {
			_, err := a.BeginPassword(ctx, "alice", "wrong")
			Expect(err).To(HaveOccurred())
		}

		startService()
		_, err := guard.ForIP("198.51.100.1").BeginPassword(ctx, "alice", password)
		Expect(auth.Code(err)).To(Equal(auth.CodeLocked))
		_, hasUntil := auth.LockUntil(err)
		Expect(hasUntil).To(BeTrue())
	})

	It("refuses a second registration of the same username", func() {
		hash, err := auth.NewScryptHasher().Hash(password)
		Expect(err).NotTo(HaveOccurred())
		u, err := auth.NewUser("ALICE", "other@example.com", hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(auth.Code(repo.Create(ctx, u))).To(Equal("AUTH_USERNAME_TAKEN"))
	})

	It("refreshes tokens and validates access tokens", func() {
		a := guard.ForIP(clientIP)
		token := step2(a, "alice")
		pc, err := a.BeginPasskey(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		pair, err := a.CompletePasskey(ctx, token,
			authn.Assert(GinkgoTB(), webauthntest.AssertOptions{Challenge: pc.Challenge, Origin: origin, RPID: rpID}), origin)
		Expect(err).NotTo(HaveOccurred())

		u, err := credDB.FindUserByUsername(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		id, err := a.VerifyAccessToken(ctx, pair.AccessToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(u.ID))

		rotated, err := a.RotateRefreshToken(ctx, pair.RefreshToken)
		Expect(err).NotTo(HaveOccurred())
		_, err = a.RotateRefreshToken(ctx, pair.RefreshToken)
		Expect(auth.Code(err)).To(Equal(auth.CodeRefreshTokenInvalid))
		_, err = a.VerifyAccessToken(ctx, pair.AccessToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(rotated).NotTo(BeEmpty())
	})
})

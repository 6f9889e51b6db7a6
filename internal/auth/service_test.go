package auth

import (
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, now *time.Time, opts ...Option) *Service {
	t.Helper()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *now
	}
	opts = append(opts, WithClock(clock))
	svc, errNew := NewService("test-issuer", 15*time.Minute, 30*time.Minute, opts...)
	if errNew != nil {
		t.Fatalf("new service: %v", errNew)
	}
	return svc
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	token, errIssue := svc.Issue("user-1", "inference", "guild-1", "pro", "chan-1")
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}

	claims, errVerify := svc.Verify(token)
	if errVerify != nil {
		t.Fatalf("verify: %v", errVerify)
	}
	if claims.Subject != "user-1" || claims.Scope != "inference" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.CommunityID != "guild-1" || claims.Tier != "pro" {
		t.Fatalf("unexpected tenant claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	token, errIssue := svc.Issue("user-1", "inference", "guild-1", "pro", "")
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}

	now = now.Add(16 * time.Minute)
	if _, errVerify := svc.Verify(token); errVerify == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, errVerify := svc.Verify(token); errVerify != ErrUnauthenticated {
			t.Fatalf("token %q: expected ErrUnauthenticated, got %v", token, errVerify)
		}
	}
}

func TestKeyRotationContinuity(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	oldToken, errIssue := svc.Issue("user-1", "inference", "guild-1", "pro", "")
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}

	if errRotate := svc.Rotate(); errRotate != nil {
		t.Fatalf("rotate: %v", errRotate)
	}

	// Inside the overlap: both old and new tokens verify, discovery
	// serves both public keys.
	if _, errVerify := svc.Verify(oldToken); errVerify != nil {
		t.Fatalf("old token should verify during overlap: %v", errVerify)
	}
	newToken, errIssue := svc.Issue("user-2", "inference", "guild-1", "pro", "")
	if errIssue != nil {
		t.Fatalf("issue after rotate: %v", errIssue)
	}
	if _, errVerify := svc.Verify(newToken); errVerify != nil {
		t.Fatalf("new token should verify: %v", errVerify)
	}
	if got := len(svc.PublicKeys()); got != 2 {
		t.Fatalf("expected 2 discovery keys during overlap, got %d", got)
	}

	// After the overlap the previous key is purged. The old token has
	// long expired by then; a fresh token signed with the purged key
	// must fail on key lookup, so reissue against the old material is
	// not possible and discovery shrinks to one key.
	now = now.Add(31 * time.Minute)
	if got := len(svc.PublicKeys()); got != 1 {
		t.Fatalf("expected 1 discovery key after overlap, got %d", got)
	}
	if _, errVerify := svc.Verify(oldToken); errVerify == nil {
		t.Fatal("old token must fail after overlap elapses")
	}
}

func TestRotationDuringOverlapKeepsNewestPrevious(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	if errRotate := svc.Rotate(); errRotate != nil {
		t.Fatalf("first rotate: %v", errRotate)
	}
	tokenB, errIssue := svc.Issue("user-1", "inference", "guild-1", "pro", "")
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if errRotate := svc.Rotate(); errRotate != nil {
		t.Fatalf("second rotate: %v", errRotate)
	}

	// At most one previous key is kept; tokens from key B still verify.
	if got := len(svc.PublicKeys()); got != 2 {
		t.Fatalf("expected 2 discovery keys, got %d", got)
	}
	if _, errVerify := svc.Verify(tokenB); errVerify != nil {
		t.Fatalf("token from newest previous key should verify: %v", errVerify)
	}
}

package auth

import "testing"

// ─── Password hashing (argon2id, intentionally slow) ────────────────

func BenchmarkVerifyPassword(b *testing.B) {
	hash, err := HashPassword("correct-horse-battery-staple")
	if err != nil {
		b.Fatalf("HashPassword: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VerifyPassword("correct-horse-battery-staple", hash) //nolint:errcheck // benchmark
	}
}

// ─── JWT tokens (per-request hot path) ──────────────────────────────

func BenchmarkParse(b *testing.B) {
	iss, err := NewIssuer(testSecret, 0)
	if err != nil {
		b.Fatal(err)
	}
	tok, err := iss.Issue(Principal{Username: "operator", Role: RoleOperator})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		iss.Parse(tok.AccessToken) //nolint:errcheck // benchmark
	}
}

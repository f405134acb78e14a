package license

import (
	"context"
	"testing"
)

// BenchmarkRecheck measures the offline path the agent runs on every tick.
// Verification results are cached, so this is dominated by state bookkeeping.
func BenchmarkRecheck(b *testing.B) {
	f := newFixture(b)
	f.seed(b, State{LicenseKey: "ISX-AAAA-BBBB-CCCC", Credential: f.credential(b, nil)})
	m := f.manager(b, nil)
	ctx := context.Background()
	if st := m.Load(ctx); !st.State.Licensed() {
		b.Fatalf("unexpected state %s (%s)", st.State, st.Reason)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Recheck(ctx)
	}
}

func BenchmarkStatusParallel(b *testing.B) {
	f := newFixture(b)
	f.seed(b, State{LicenseKey: "ISX-AAAA-BBBB-CCCC", Credential: f.credential(b, nil)})
	m := f.manager(b, nil)
	m.Load(context.Background())

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = m.Status()
		}
	})
}

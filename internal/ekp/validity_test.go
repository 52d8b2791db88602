package ekp

import (
	"testing"
	"time"
)

func int64p(v int64) *int64 { return &v }

func TestComputeValidity_NilHintsUseDefaultTTL(t *testing.T) {
	before := nowTS()
	v := ComputeValidity(nil, nil, 10*time.Second)
	after := nowTS()

	if v.RefreshAt < before+10 || v.RefreshAt > after+10 {
		t.Errorf("RefreshAt = %d, want within [%d, %d]", v.RefreshAt, before+10, after+10)
	}
	if v.ExpireAt != v.RefreshAt {
		t.Errorf("ExpireAt = %d, want equal to RefreshAt (%d) when expire hint is nil", v.ExpireAt, v.RefreshAt)
	}
}

func TestComputeValidity_NegativeRefreshIsNever(t *testing.T) {
	v := ComputeValidity(int64p(-1), nil, 10*time.Second)
	if v.RefreshAt != Never {
		t.Errorf("RefreshAt = %d, want Never", v.RefreshAt)
	}
}

func TestComputeValidity_NegativeExpireIsNever(t *testing.T) {
	v := ComputeValidity(nil, int64p(-1), 10*time.Second)
	if v.ExpireAt != Never {
		t.Errorf("ExpireAt = %d, want Never", v.ExpireAt)
	}
}

func TestComputeValidity_PositiveHintsAreRelativeToNow(t *testing.T) {
	before := nowTS()
	v := ComputeValidity(int64p(100), int64p(500), time.Minute)
	after := nowTS()

	if v.RefreshAt < before+100 || v.RefreshAt > after+100 {
		t.Errorf("RefreshAt = %d, out of expected range", v.RefreshAt)
	}
	if v.ExpireAt < before+500 || v.ExpireAt > after+500 {
		t.Errorf("ExpireAt = %d, out of expected range", v.ExpireAt)
	}
}

func TestComputeValidity_ZeroHintsUseDefaultTTL(t *testing.T) {
	v := ComputeValidity(int64p(0), int64p(0), 30*time.Second)
	if v.ExpireAt != v.RefreshAt {
		t.Errorf("ExpireAt = %d, want equal to RefreshAt (%d) for zero expire hint", v.ExpireAt, v.RefreshAt)
	}
}

func TestNeverRefresh(t *testing.T) {
	before := nowTS()
	v := NeverRefresh(int64p(300), time.Minute)
	after := nowTS()

	if v.RefreshAt != Never {
		t.Errorf("RefreshAt = %d, want Never", v.RefreshAt)
	}
	if v.ExpireAt < before+300 || v.ExpireAt > after+300 {
		t.Errorf("ExpireAt = %d, out of expected range", v.ExpireAt)
	}
}

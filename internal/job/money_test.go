package job

import "testing"

func TestParseUSDC(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1", want: 1_000_000},
		{in: "12.5", want: 12_500_000},
		{in: "0.000001", want: 1},
		{in: ".5", want: 500_000},
		{in: "-3.25", want: -3_250_000},
		{in: "100.", want: 100_000_000},
		{in: "0.0000001", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseUSDC(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseUSDC(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUSDC(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseUSDC(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatUSDC(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{in: 1_000_000, want: "1"},
		{in: 12_500_000, want: "12.5"},
		{in: 1, want: "0.000001"},
		{in: -3_250_000, want: "-3.25"},
		{in: 0, want: "0"},
	}
	for _, tc := range cases {
		if got := FormatUSDC(tc.in); got != tc.want {
			t.Errorf("FormatUSDC(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPayoutUnitsAppliesFee(t *testing.T) {
	j := &Job{PriceUnits: 10_000_000, FeeRateBP: 250}
	if got := j.PayoutUnits(); got != 9_750_000 {
		t.Fatalf("PayoutUnits = %d, want 9750000", got)
	}
	noFee := &Job{PriceUnits: 10_000_000}
	if got := noFee.PayoutUnits(); got != 10_000_000 {
		t.Fatalf("PayoutUnits without fee = %d", got)
	}
}

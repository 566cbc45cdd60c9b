package addr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddr_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1.2.3.4:14567", Addr{IP: "1.2.3.4", Port: 14567}.String())
}

func TestAddr_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{in: "1.2.3.4:14567", want: Addr{IP: "1.2.3.4", Port: 14567}},
		{in: "1.2.3.4:23000", want: Addr{IP: "1.2.3.4", Port: 23000}},
		{in: "1.2.3.4", wantErr: true},
		{in: "1.2.3.4:", wantErr: true},
		{in: ":14567", wantErr: true},
		{in: "1.2.3.4:abc", wantErr: true},
		{in: "1.2.3.4:-1", wantErr: true},
		{in: "1.2.3.4:70000", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		a, err := Parse(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, a)
	}
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultEvent(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantErr      bool
		wantFinished bool
	}{
		{name: "object", raw: `{"n":1}`},
		{name: "finished object", raw: ` {"finished":true} `, wantFinished: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "array", raw: `[{"finished":true}]`, wantErr: true},
		{name: "string", raw: `"done"`, wantErr: true},
		{name: "number", raw: `1`, wantErr: true},
		{name: "invalid json", raw: `{"n":`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
		{name: "finished not boolean", raw: `{"finished":"yes"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseResultEvent("job:1:responses", []byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "job:1:responses", ev.Channel)
			assert.Equal(t, tt.raw, string(ev.Body))
			assert.Equal(t, tt.wantFinished, ev.Finished)
		})
	}
}

func TestResultChannel(t *testing.T) {
	assert.Equal(t, "job:abc:responses", ResultChannel("abc"))
}

package presence

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Room
		wantErr bool
	}{
		{name: "ユーザールーム", input: "user:12", want: UserRoom(12)},
		{name: "地区ルーム", input: "district:5", want: DistrictRoom(5)},
		{name: "ブロードキャスト", input: "broadcast", want: BroadcastRoom()},
		{name: "区切りがない", input: "user12", wantErr: true},
		{name: "IDが数値でない", input: "user:abc", wantErr: true},
		{name: "IDが0", input: "district:0", wantErr: true},
		{name: "未知の種類", input: "event:3", wantErr: true},
		{name: "空文字列", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRoom(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRoom))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestRoom_JSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Target Room `json:"target"`
	}

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"target":"district:7"}`), &p))
	assert.Equal(t, DistrictRoom(7), p.Target)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"district:7"}`, string(out))

	_, err = json.Marshal(payload{})
	assert.Error(t, err)
}

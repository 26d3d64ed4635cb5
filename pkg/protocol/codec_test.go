package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		check   func(t *testing.T, payload any)
		wantTyp MessageType
	}{
		{
			name:    "new stream",
			raw:     `{"type":"new-stream","source":"rxjs-devtools-injected","data":{"id":"s1","name":"Clicks","type":"Observable","timestamp":5}}`,
			wantTyp: TypeNewStream,
			check: func(t *testing.T, payload any) {
				p := payload.(*NewStream)
				assert.Equal(t, "s1", p.ID)
				assert.Equal(t, "Clicks", p.Name)
				assert.Nil(t, p.Metadata)
			},
		},
		{
			name:    "emission",
			raw:     `{"type":"stream-emission","source":"rxjs-devtools-global-hook","data":{"streamId":"s1","type":"next","value":1,"timestamp":6}}`,
			wantTyp: TypeEmission,
			check: func(t *testing.T, payload any) {
				p := payload.(*Emission)
				assert.Equal(t, KindNext, p.Kind)
				assert.Equal(t, float64(1), p.Value)
			},
		},
		{
			name:    "detected",
			raw:     `{"type":"rxjs-detected","source":"rxjs-devtools-detector","tabId":7,"data":{"url":"https://x","timestamp":1}}`,
			wantTyp: TypeDetected,
			check: func(t *testing.T, payload any) {
				assert.Equal(t, "https://x", payload.(*Detected).URL)
			},
		},
		{
			name:    "panel connected has no data",
			raw:     `{"type":"panel-connected","tabId":7}`,
			wantTyp: TypePanelConnected,
			check: func(t *testing.T, payload any) {
				assert.Nil(t, payload)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, payload, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTyp, env.Type)
			tt.check(t, payload)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"malformed", `{"type":`, ErrInvalidPayload},
		{"unknown type", `{"type":"bogus","source":"rxjs-devtools-injected"}`, ErrUnknownType},
		{"missing type", `{"source":"rxjs-devtools-injected"}`, ErrUnknownType},
		{"page type from page script", `{"type":"new-stream","source":"some-page-script","data":{"id":"s1"}}`, ErrUnknownSource},
		{"detection from injected", `{"type":"rxjs-detected","source":"rxjs-devtools-injected","data":{}}`, ErrUnknownSource},
		{"missing id", `{"type":"stream-complete","source":"rxjs-devtools-injected","data":{"timestamp":1}}`, ErrInvalidPayload},
		{"bad emission kind", `{"type":"stream-emission","source":"rxjs-devtools-injected","data":{"streamId":"s1","type":"later"}}`, ErrInvalidPayload},
		{"missing data", `{"type":"stream-error","source":"rxjs-devtools-injected"}`, ErrInvalidPayload},
		{"wrong shape", `{"type":"stream-error","source":"rxjs-devtools-injected","data":{"id":5}}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewStream_MetadataInline(t *testing.T) {
	raw := []byte(`{"id":"s1","name":"Cart","type":"Observable","timestamp":1,"appName":"shop","tags":["a"]}`)
	var ns NewStream
	require.NoError(t, json.Unmarshal(raw, &ns))
	assert.Equal(t, "s1", ns.ID)
	assert.Equal(t, map[string]any{"appName": "shop", "tags": []any{"a"}}, ns.Metadata)

	out, err := json.Marshal(ns)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestNewStream_ReservedMetadataIgnored(t *testing.T) {
	ns := NewStream{ID: "s1", Name: "n", Type: "Observable", Metadata: map[string]any{"id": "spoofed", "extra": 1}}
	out, err := json.Marshal(ns)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","name":"n","type":"Observable","timestamp":0,"extra":1}`, string(out))
}

func TestNewAndFromMessage(t *testing.T) {
	env, err := New(TypeStreamComplete, SourceHook, StreamComplete{ID: "s2", Timestamp: 3})
	require.NoError(t, err)
	assert.NotZero(t, env.Timestamp)

	raw, err := FromMessage(env)
	require.NoError(t, err)
	decoded, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, SourceHook, decoded.Source)
	assert.Equal(t, "s2", StreamID(payload))

	raw, err = FromMessage(map[string]any{"type": "stream-complete", "source": "rxjs-devtools-injected", "data": map[string]any{"id": "s3"}})
	require.NoError(t, err)
	_, payload, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "s3", StreamID(payload))

	_, err = FromMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = FromMessage(func() {})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

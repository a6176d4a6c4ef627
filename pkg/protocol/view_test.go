package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
)

func TestParseRecord(t *testing.T) {
	line := []byte(`{"type":"RECORD","record":{"stream":"users","namespace":"public","emitted_at":1700000000000,"data":{"id":1,"name":"a"},"meta":{"changes":[{"field":"name","change":"TRUNCATED","reason":"SOURCE_FIELD_SIZE_LIMITATION"}]}}}` + "\n")

	v, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, MessageTypeRecord, v.Type())
	assert.True(t, v.IsRecord())
	assert.Equal(t, StreamKey{Name: "users", Namespace: "public"}, v.Key())
	assert.Equal(t, int64(1700000000000), v.EmittedAt())
	assert.Equal(t, int64(len(line)-1), v.Size())
	assert.Equal(t, "public.users", v.Key().String())
}

func TestParseCopiesInput(t *testing.T) {
	line := []byte(`{"type":"RECORD","record":{"stream":"s","data":{}}}`)
	v, ok := Parse(line)
	require.True(t, ok)

	line[2] = 'X'
	assert.Equal(t, byte('t'), v.Raw()[2])
}

func TestParseStates(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		stateType StateType
		key       StreamKey
	}{
		{
			name:      "stream",
			line:      `{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":"users","namespace":"public"},"stream_state":{"cursor":5}}}}`,
			stateType: StateTypeStream,
			key:       StreamKey{Name: "users", Namespace: "public"},
		},
		{
			name:      "global",
			line:      `{"type":"STATE","state":{"type":"GLOBAL","global":{"shared_state":{"lsn":10},"stream_states":[]}}}`,
			stateType: StateTypeGlobal,
		},
		{
			name:      "legacy without type",
			line:      `{"type":"STATE","state":{"data":{"cursor":"2024-01-01"}}}`,
			stateType: StateTypeLegacy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Parse([]byte(tt.line))
			require.True(t, ok)
			assert.True(t, v.IsState())
			assert.Equal(t, tt.stateType, v.StateType())
			assert.Equal(t, tt.key, v.Key())
		})
	}
}

func TestParseMalformed(t *testing.T) {
	inputs := []string{
		"messed up data",
		`"messed up data"`,
		"",
		"   ",
		`{"type":`,
		`{"record":{"stream":"s"}}`,
		`{"type":"RECORD"}`,
		`{"type":"RECORD","record":{"data":{}}}`,
		`{"type":"STATE"}`,
		`{"type":"STATE","state":{"type":"STREAM"}}`,
		`{"type":"STATE","state":{"type":"SIDEWAYS"}}`,
		`[1,2,3]`,
	}

	for _, in := range inputs {
		v, ok := Parse([]byte(in))
		assert.False(t, ok, in)
		assert.Nil(t, v, in)
	}
}

func TestParseOtherTypes(t *testing.T) {
	v, ok := Parse([]byte(`{"type":"LOG","log":{"level":"INFO","message":"hi"}}`))
	require.True(t, ok)
	assert.Equal(t, MessageTypeLog, v.Type())
	assert.Equal(t, StreamKey{}, v.Key())
}

func TestMaterializePreservesBody(t *testing.T) {
	line := `{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":"users"},"stream_state":{"b":2, "a":1}}},"extra":"kept"}`
	v, ok := Parse([]byte(line))
	require.True(t, ok)

	msg, err := v.Materialize()
	require.NoError(t, err)
	require.NotNil(t, msg.State)
	assert.Equal(t, StateTypeStream, msg.State.Type)
	assert.Equal(t, `{"b":2, "a":1}`, string(msg.State.Stream.StreamState))
	assert.Equal(t, line, string(v.Raw()))
}

func TestMaterializeLegacyDefaultsType(t *testing.T) {
	v, ok := Parse([]byte(`{"type":"STATE","state":{"data":{"x":1}}}`))
	require.True(t, ok)

	msg, err := v.Materialize()
	require.NoError(t, err)
	assert.Equal(t, StateTypeLegacy, msg.State.Type)
	assert.Equal(t, `{"x":1}`, string(msg.State.Data))
}

func TestMaterializeInvalidBody(t *testing.T) {
	v := &MessageView{typ: MessageTypeRecord, raw: []byte(`{"type":"RECORD","record":{"stream":5}}`)}
	_, err := v.Materialize()
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeData))
}

func TestWithDefaultNamespace(t *testing.T) {
	v, ok := Parse([]byte(`{"type":"RECORD","record":{"stream":"users","data":{}}}`))
	require.True(t, ok)

	routed := v.WithDefaultNamespace("public")
	assert.Equal(t, StreamKey{Name: "users", Namespace: "public"}, routed.Key())
	assert.Equal(t, "", v.Key().Namespace)
	assert.Equal(t, v.Raw(), routed.Raw())

	explicit, _ := Parse([]byte(`{"type":"RECORD","record":{"stream":"users","namespace":"crm","data":{}}}`))
	assert.Same(t, explicit, explicit.WithDefaultNamespace("public"))
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	content := `{"streams":[
		{"stream":{"name":"users","namespace":"crm"},"sync_mode":"incremental","destination_sync_mode":"append"},
		{"stream":{"name":"orders"},"sync_mode":"full_refresh","destination_sync_mode":"overwrite"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadCatalog(path, "public")
	require.NoError(t, err)

	assert.True(t, c.Contains(StreamKey{Name: "users", Namespace: "crm"}))
	assert.True(t, c.Contains(StreamKey{Name: "orders", Namespace: "public"}))
	assert.False(t, c.Contains(StreamKey{Name: "orders"}))
	assert.Equal(t, []StreamKey{{Name: "users", Namespace: "crm"}, {Name: "orders", Namespace: "public"}}, c.Keys())
}

func TestLoadCatalogErrors(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.json"), "")
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeFile))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err = LoadCatalog(path, "")
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}

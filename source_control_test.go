package datasource

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baccuslab/datasource/internal/sessiondb"
)

func newTestControl() *SourceControl {
	updates := make(chan ClientUpdate)
	go func() {
		for range updates {
		}
	}()
	return &SourceControl{
		clientUpdates: updates,
		db:            sessiondb.DummyDBConnection(),
	}
}

func TestSourceControlLifecycle(t *testing.T) {
	sc := newTestControl()
	var okay bool

	dummy := ""
	if err := sc.InitializeSource(&dummy, &okay); err == nil {
		t.Error("InitializeSource with no source did not fail")
	}
	if err := sc.DeleteSource(&dummy, &okay); err == nil {
		t.Error("DeleteSource with no source did not fail")
	}

	args := &SourceArgs{Type: "file", Location: testDataFile(t, 2, 100)}
	require.NoError(t, sc.CreateSource(args, &okay))
	assert.True(t, okay)
	if err := sc.CreateSource(args, &okay); err == nil {
		t.Error("creating a second source did not fail")
	}

	require.NoError(t, sc.InitializeSource(&dummy, &okay))

	param := "state"
	var reply string
	require.NoError(t, sc.GetParameter(&param, &reply))
	raw, err := base64.StdEncoding.DecodeString(reply)
	require.NoError(t, err)
	value, err := DecodeValue("state", raw)
	require.NoError(t, err)
	assert.Equal(t, "initialized", value.Str)

	var status map[string]interface{}
	require.NoError(t, sc.SourceStatus(&dummy, &status))
	assert.Equal(t, "initialized", status["state"])
	assert.Equal(t, "file", status["source-type"])

	require.NoError(t, sc.StartStream(&dummy, &okay))
	require.NoError(t, sc.StopStream(&dummy, &okay))
	require.NoError(t, sc.DeleteSource(&dummy, &okay))
	if err := sc.DeleteSource(&dummy, &okay); err == nil {
		t.Error("deleting a deleted source did not fail")
	}
}

func TestSourceControlSetParameter(t *testing.T) {
	sc := newTestControl()
	var okay bool
	dummy := ""

	args := &SourceArgs{Type: "file", Location: testDataFile(t, 1, 10)}
	require.NoError(t, sc.CreateSource(args, &okay))
	require.NoError(t, sc.InitializeSource(&dummy, &okay))

	// File sources accept no settable parameters at all.
	buf, err := EncodeValue("gain", FloatValue(2))
	require.NoError(t, err)
	setArgs := &ParameterArgs{Param: "gain", ValueBase64: base64.StdEncoding.EncodeToString(buf)}
	if err := sc.SetParameter(setArgs, &okay); err == nil {
		t.Error("SetParameter on a file source did not fail")
	}

	// Garbage base64 and undecodable values are rejected before the source
	// sees them.
	if err := sc.SetParameter(&ParameterArgs{Param: "gain", ValueBase64: "!!"}, &okay); err == nil {
		t.Error("SetParameter with invalid base64 did not fail")
	}
	if err := sc.SetParameter(&ParameterArgs{Param: "gain", ValueBase64: "AA=="}, &okay); err == nil {
		t.Error("SetParameter with a short value did not fail")
	}
	require.NoError(t, sc.DeleteSource(&dummy, &okay))
}

func TestCreateUnknownSourceType(t *testing.T) {
	sc := newTestControl()
	var okay bool
	if err := sc.CreateSource(&SourceArgs{Type: "frobnicator"}, &okay); err == nil {
		t.Error("creating an unknown source type did not fail")
	}
	if sc.source != nil {
		t.Error("a failed create left a source behind")
	}
}

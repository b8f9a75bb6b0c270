package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "alice", true},
		{"max length", "abcdefghijklmnopqrstuvwx", true},
		{"over max", "abcdefghijklmnopqrstuvwxy", false},
		{"single char", "a", true},
		{"empty", "", false},
		{"leading hash", "#alice", false},
		{"leading at", "@alice", false},
		{"embedded hash ok", "al#ice", true},
		{"space", "al ice", false},
		{"tab", "al\tice", false},
		{"newline", "al\nice", false},
		{"control char", "al\x01ice", false},
		{"non-ascii", "alicé", false},
		{"punctuation", "agent-7_x.y", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidName(tt.input), "input %q", tt.input)
		})
	}
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"general", "#general", true},
		{"single char", "#g", true},
		{"missing hash", "general", false},
		{"hash only", "#", false},
		{"empty", "", false},
		{"max length", "#" + string(make32()), true},
		{"over max", "#" + string(make32()) + "x", false},
		{"space", "#gen eral", false},
		{"second hash ok", "##general", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidChannel(tt.input), "input %q", tt.input)
		})
	}
}

func make32() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = 'a'
	}
	return b
}

func TestParseAgent(t *testing.T) {
	id, ok := ParseAgent("@72cd6e8422c407fb")
	require.True(t, ok)
	assert.Equal(t, "72cd6e8422c407fb", id)

	_, ok = ParseAgent("72cd6e8422c407fb")
	assert.False(t, ok)

	_, ok = ParseAgent("@")
	assert.False(t, ok)

	assert.Equal(t, "@abc", FormatAgent("abc"))
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name     string
		frame    *Frame
		wantCode string // "" means valid
	}{
		{"identify ok", &Frame{Type: TypeIdentify, Name: "alice"}, ""},
		{"identify bad name", &Frame{Type: TypeIdentify, Name: "@alice"}, ErrInvalidName},
		{"join ok", &Frame{Type: TypeJoin, Channel: "#general"}, ""},
		{"join bad channel", &Frame{Type: TypeJoin, Channel: "general"}, ErrInvalidName},
		{"msg channel ok", &Frame{Type: TypeMsg, To: "#general", Content: "hi"}, ""},
		{"msg dm ok", &Frame{Type: TypeMsg, To: "@abcd", Content: "hi"}, ""},
		{"msg bad target", &Frame{Type: TypeMsg, To: "general", Content: "hi"}, ErrInvalidMsg},
		{"msg empty content", &Frame{Type: TypeMsg, To: "#general"}, ErrInvalidMsg},
		{"ping ok", &Frame{Type: TypePing}, ""},
		{"proposal unsigned", &Frame{Type: TypeProposal, To: "@b", Task: "work"}, ErrSignatureRequired},
		{"proposal negative stake", &Frame{
			Type: TypeProposal, To: "@b", Task: "work",
			Stakes: &Stakes{Proposer: -1}, Signature: "sig",
		}, ErrInvalidStake},
		{"accept no id", &Frame{Type: TypeAccept, Signature: "sig"}, ErrInvalidMsg},
		{"vote bad verdict", &Frame{
			Type: TypeArbiterVote, DisputeID: "disp_1", Verdict: "guilty", Signature: "s",
		}, ErrInvalidMsg},
		{"vote ok", &Frame{
			Type: TypeArbiterVote, DisputeID: "disp_1", Verdict: VerdictMutual, Signature: "s",
		}, ""},
		{"register skills unsigned", &Frame{
			Type: TypeRegisterSkills, Skills: []Skill{{Name: "review"}},
		}, ErrSignatureRequired},
		{"register skills unnamed", &Frame{
			Type: TypeRegisterSkills, Skills: []Skill{{}}, Signature: "s",
		}, ErrInvalidMsg},
		{"unknown type", &Frame{Type: "BOGUS"}, ErrInvalidMsg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.frame)
			if tt.wantCode == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
		})
	}
}

func TestValidateEvidenceBounds(t *testing.T) {
	items := make([]map[string]interface{}, MaxEvidenceItem+1)
	for i := range items {
		items[i] = map[string]interface{}{"n": i}
	}
	err := Validate(&Frame{Type: TypeEvidence, DisputeID: "disp_1", Items: items, Signature: "s"})
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidMsg, err.Code)

	long := make([]byte, MaxStatementLen+1)
	for i := range long {
		long[i] = 'x'
	}
	err = Validate(&Frame{Type: TypeEvidence, DisputeID: "disp_1", Statement: string(long), Signature: "s"})
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidMsg, err.Code)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"content":"no type"}`))
	assert.Error(t, err)

	f, err := Decode([]byte(`{"type":"MSG","to":"#general","content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMsg, f.Type)
	assert.Equal(t, "#general", f.To)
}

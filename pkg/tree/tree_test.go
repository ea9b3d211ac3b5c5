package tree

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "dotted", raw: "users.alice.hp", want: "users.alice.hp"},
		{name: "dollar prefix", raw: "$counter", want: "counter"},
		{name: "bare bracket key", raw: "$users[alice].name", want: "users.alice.name"},
		{name: "quoted bracket key", raw: `users["bob"].stats`, want: "users.bob.stats"},
		{name: "single quoted key", raw: `users['bob']`, want: "users.bob"},
		{name: "index", raw: "chatlog.general[2].text", want: "chatlog.general[2].text"},
		{name: "empty", raw: "$", wantErr: ErrInvalidPath},
		{name: "double dot", raw: "a..b", wantErr: ErrInvalidPath},
		{name: "trailing dot", raw: "a.", wantErr: ErrInvalidPath},
		{name: "unterminated", raw: "a[0", wantErr: ErrInvalidPath},
		{name: "huge index", raw: "a[99999999]", wantErr: ErrInvalidPath},
		{name: "proto segment", raw: "$users[alice].__proto__.x", wantErr: ErrUnsafePath},
		{name: "quoted proto", raw: `a["__proto__"]`, wantErr: ErrUnsafePath},
		{name: "constructor", raw: "constructor.prototype", wantErr: ErrUnsafePath},
		{name: "prototype in brackets", raw: "a[prototype]", wantErr: ErrUnsafePath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePath(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestSetCreatesContainers(t *testing.T) {
	root := MustParse(`{"users":{"alice":{"hp":3}}}`)

	got := Set(root, MustParsePath("users.bob.hp"), Number(5))
	assert.True(t, Equal(MustParse(`{"users":{"alice":{"hp":3},"bob":{"hp":5}}}`), got), got.String())

	got = Set(got, MustParsePath("log[1]"), String("x"))
	assert.True(t, Equal(MustParse(`{"users":{"alice":{"hp":3},"bob":{"hp":5}},"log":[null,"x"]}`), got))

	// input is untouched
	assert.True(t, Equal(MustParse(`{"users":{"alice":{"hp":3}}}`), root))
}

func TestMergeReplacesArrays(t *testing.T) {
	dst := MustParse(`{"a":{"b":1,"c":[1,2,3]},"d":"x"}`)
	diff := MustParse(`{"a":{"c":[9]},"e":null}`)

	got := Merge(dst, diff)
	assert.True(t, Equal(MustParse(`{"a":{"b":1,"c":[9]},"d":"x","e":null}`), got), got.String())
}

func TestDiff(t *testing.T) {
	base := MustParse(`{"a":{"b":1,"c":2},"list":[1,2],"same":"x","gone":1}`)
	current := MustParse(`{"a":{"b":1,"c":3},"list":[1,2,3],"same":"x","new":{"k":true}}`)

	got := Diff(current, base)
	assert.True(t, Equal(MustParse(`{"a":{"c":3},"list":[1,2,3],"new":{"k":true}}`), got), got.String())
	assert.True(t, IsEmpty(Diff(current, current)))
}

func TestMergeOfDiffConverges(t *testing.T) {
	base := MustParse(`{"a":{"b":1},"n":0,"tags":["x"]}`)
	current := MustParse(`{"a":{"b":2,"z":{"deep":[1]}},"n":0,"tags":["x","y"]}`)

	assert.True(t, Equal(current, Merge(base, Diff(current, base))))
}

func TestPatchCarriesWholeArray(t *testing.T) {
	current := MustParse(`{"chatlog":{"general":[{"text":"a"},{"text":"b"}]}}`)

	patch := Patch(current, MustParsePath("chatlog.general[1].text"), String("c"))
	assert.True(t, Equal(MustParse(`{"chatlog":{"general":[{"text":"a"},{"text":"c"}]}}`), patch), patch.String())

	merged := Merge(current, patch)
	v, ok := Get(merged, MustParsePath("chatlog.general[0].text"))
	require.True(t, ok)
	assert.Equal(t, String("a"), v)
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	v := MustParse(`{"users":{"alice":{"conn":"x"}},"n":1}`)
	got := Remove(v, MustParsePath("users.alice.conn"))
	assert.True(t, Equal(MustParse(`{"n":1}`), got), got.String())
}

func TestParseLoose(t *testing.T) {
	assert.Equal(t, Number(42), ParseLoose("42"))
	assert.Equal(t, Bool(true), ParseLoose("true"))
	assert.Equal(t, String("hello"), ParseLoose("hello"))
	assert.Equal(t, String("quoted"), ParseLoose(`"quoted"`))
	assert.True(t, Equal(MustParse(`{"a":[1]}`), ParseLoose(`{"a":[1]}`)))
}

func TestNonFiniteNumbersEncodeAsNull(t *testing.T) {
	v := Object(map[string]Value{"inf": Number(math.Inf(1)), "nan": Number(math.NaN())})
	b, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"inf":null,"nan":null}`, string(b))
	assert.True(t, Equal(Number(math.NaN()), Number(math.NaN())))
}

func TestValidateKeys(t *testing.T) {
	assert.NoError(t, ValidateKeys(MustParse(`{"a":{"b":[{"c":1}]}}`)))
	assert.ErrorIs(t, ValidateKeys(MustParse(`{"a":{"b":[{"__proto__":{"x":1}}]}}`)), ErrUnsafePath)
}

package chunker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/vecmath"
)

// topicEmbedder maps sentences mentioning cats or cars to two orthogonal
// directions so adjacent sentences on the same topic have distance 0.
type topicEmbedder struct{ calls int }

func (e *topicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "cat") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

// oneHotEmbedder gives every sentence its own axis, so every adjacent pair
// has cosine distance 1.
type oneHotEmbedder struct{}

func (oneHotEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, len(texts))
		v[i] = 1
		out[i] = v
	}
	return out, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedder down")
}

func TestSliding_Chars(t *testing.T) {
	c, err := NewSliding(SlidingConfig{Size: 4, Overlap: 1})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "abcdefghij")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, chunks)
}

func TestSliding_OverlapRoundTrip(t *testing.T) {
	text := "Ünïcödé text with a few multi-byte runes: 日本語のテキスト."
	for _, cfg := range []SlidingConfig{{Size: 7, Overlap: 3}, {Size: 5, Overlap: 0}, {Size: 100, Overlap: 10}} {
		chunks, err := Chunk(context.Background(), text, Config{Kind: KindSliding, Sliding: &cfg}, nil)
		require.NoError(t, err)

		var rebuilt strings.Builder
		for i, ch := range chunks {
			if i < len(chunks)-1 {
				r := []rune(ch)
				ch = string(r[:len(r)-cfg.Overlap])
			}
			rebuilt.WriteString(ch)
		}
		assert.Equal(t, text, rebuilt.String(), "size=%d overlap=%d", cfg.Size, cfg.Overlap)
	}
}

func TestSliding_Tokens(t *testing.T) {
	c, err := NewSliding(SlidingConfig{Size: 2, Unit: UnitTokens})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "  the quick brown fox jumps")
	require.NoError(t, err)
	assert.Equal(t, []string{"  the quick ", "brown fox ", "jumps"}, chunks)
}

func TestSnapping_SnapsToSentenceEnds(t *testing.T) {
	c, err := NewSnapping(SnappingConfig{Size: 15, MaxSkip: 5})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "Hello world. This is a test. Another one here.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello world.", " This is a test.", " Another one here."}, chunks)
}

func TestSnapping_FallsBackToNominal(t *testing.T) {
	c, err := NewSnapping(SnappingConfig{Size: 4, MaxSkip: 1})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "abcdefghij")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
}

func TestSnapping_SkipBackAbbreviations(t *testing.T) {
	text := "Dr. Smith arrived. Then left."

	c, err := NewSnapping(SnappingConfig{Size: 4, MaxSkip: 3})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "Dr. ", chunks[0])

	c, err = NewSnapping(SnappingConfig{Size: 4, MaxSkip: 3, SkipBack: []string{}})
	require.NoError(t, err)
	chunks, err = c.Chunk(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "Dr.", chunks[0])
}

func TestSnapping_Overlap(t *testing.T) {
	c, err := NewSnapping(SnappingConfig{Size: 6, Overlap: 2, MaxSkip: 0})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "abcdefghij")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdef", "efghij"}, chunks)
}

func TestSplitSentences(t *testing.T) {
	text := "\nFirst one. Second?  Third!\nFourth without end"
	got := SplitSentences(text)
	assert.Equal(t, []string{"\nFirst one. ", "Second?  ", "Third!\n", "Fourth without end"}, got)
	assert.Equal(t, text, strings.Join(got, ""))
}

func TestSemantic_GroupsByTopic(t *testing.T) {
	emb := &topicEmbedder{}
	c, err := NewSemantic(SemanticConfig{Threshold: 0.5, MinSize: 1, MaxSize: 1000}, emb)
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "Cats purr. Cats nap. Cars honk. Cars race.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Cats purr. Cats nap. ", "Cars honk. Cars race."}, chunks)
	assert.Equal(t, 1, emb.calls)
}

func TestSemantic_ZeroThresholdIsOneChunk(t *testing.T) {
	text := "Cats purr. Cars honk. Cats nap."
	c, err := NewSemantic(SemanticConfig{Threshold: 0, MinSize: 1, MaxSize: 5}, failingEmbedder{})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, []string{text}, chunks)
}

func TestSemantic_LowThresholdSplitsEverySentence(t *testing.T) {
	text := "One. Two. Three. Four."
	c, err := NewSemantic(SemanticConfig{Threshold: 0.001, MinSize: 1, MaxSize: 1000, Distance: vecmath.Euclidean}, oneHotEmbedder{})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, SplitSentences(text), chunks)
}

func TestSemantic_MinSizeDefersCut(t *testing.T) {
	c, err := NewSemantic(SemanticConfig{Threshold: 0.5, MinSize: 8, MaxSize: 100}, oneHotEmbedder{})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "One. Two. Three. Four.")
	require.NoError(t, err)
	assert.Equal(t, []string{"One. Two. ", "Three. Four."}, chunks)
}

func TestSemantic_MaxSizeForcesCut(t *testing.T) {
	c, err := NewSemantic(SemanticConfig{Threshold: 1.5, MinSize: 1, MaxSize: 12}, &topicEmbedder{})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "Cats purr. Cats nap. Cats eat.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Cats purr. ", "Cats nap. ", "Cats eat."}, chunks)
}

func TestSemantic_EmbedderError(t *testing.T) {
	c, err := NewSemantic(SemanticConfig{Threshold: 0.5, MinSize: 1, MaxSize: 100}, failingEmbedder{})
	require.NoError(t, err)
	_, err = c.Chunk(context.Background(), "One. Two.")
	assert.ErrorContains(t, err, "embedder down")
}

func TestSplitline_SizeOnly(t *testing.T) {
	c, err := NewSplitline(SplitlineConfig{Size: 2})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "NAME,AGE,GENDER\nJohn,32,M\nJane,28,F\nBob,45,M\nAlice,23,F")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"NAME,AGE,GENDER\nJohn,32,M\nJane,28,F\n",
		"Bob,45,M\nAlice,23,F",
	}, chunks)
}

func TestSplitline_HeaderPattern(t *testing.T) {
	c, err := NewSplitline(SplitlineConfig{Size: 10, Patterns: []string{"FOO,BAR,QUX,QAZ"}})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(),
		"NAME,AGE,GENDER\nJohn,32,M\nJane,28,F\nBob,45,M\nAlice,23,F\nFOO,BAR,QUX,QAZ\n1,2,3,4\n5,6,7,8")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"NAME,AGE,GENDER\nJohn,32,M\nJane,28,F\nBob,45,M\nAlice,23,F\n",
		"FOO,BAR,QUX,QAZ\n1,2,3,4\n5,6,7,8",
	}, chunks)
}

func TestSplitline_PrependLatestHeader(t *testing.T) {
	c, err := NewSplitline(SplitlineConfig{Size: 2, Patterns: []string{"FOO,BAR,QUX,QAZ"}, PrependLatestHeader: true})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(),
		"NAME,AGE,GENDER\nJohn,32,M\nJane,28,F\nBob,45,M\nAlice,23,F\nFOO,BAR,QUX,QAZ\n1,2,3,4\n5,6,7,8\n9,10,11,12\n13,14,15,16")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"NAME,AGE,GENDER\nJohn,32,M\nJane,28,F\n",
		"NAME,AGE,GENDER\nBob,45,M\nAlice,23,F\n",
		"FOO,BAR,QUX,QAZ\n1,2,3,4\n5,6,7,8\n",
		"FOO,BAR,QUX,QAZ\n9,10,11,12\n13,14,15,16",
	}, chunks)
}

func TestSplitline_HeaderOnly(t *testing.T) {
	c, err := NewSplitline(SplitlineConfig{Size: 2})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "NAME,AGE,GENDER")
	require.NoError(t, err)
	assert.Equal(t, []string{"NAME,AGE,GENDER"}, chunks)
}

func TestSplitline_KeepsTrailingNewline(t *testing.T) {
	c, err := NewSplitline(SplitlineConfig{})
	require.NoError(t, err)
	chunks, err := c.Chunk(context.Background(), "h\r\na\r\nb\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"h\na\nb\n"}, chunks)
}

func TestChunk_EmptyInput(t *testing.T) {
	for _, cfg := range []Config{
		DefaultConfig(),
		{Kind: KindSnapping, Snapping: &SnappingConfig{Size: 10}},
		{Kind: KindSplitline, Splitline: &SplitlineConfig{}},
		{Kind: KindSemantic, Semantic: &SemanticConfig{Threshold: 0.2, MinSize: 1, MaxSize: 10}},
	} {
		t.Run(string(cfg.Kind), func(t *testing.T) {
			_, err := Chunk(context.Background(), "", cfg, oneHotEmbedder{})
			require.ErrorIs(t, err, ErrEmptyInput)
			assert.Equal(t, fault.KindChunk, fault.KindOf(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown kind", Config{Kind: "paragraph"}},
		{"missing params", Config{Kind: KindSliding}},
		{"zero size", Config{Kind: KindSliding, Sliding: &SlidingConfig{Size: 0}}},
		{"overlap equals size", Config{Kind: KindSliding, Sliding: &SlidingConfig{Size: 5, Overlap: 5}}},
		{"bad unit", Config{Kind: KindSliding, Sliding: &SlidingConfig{Size: 5, Unit: "words"}}},
		{"negative skip", Config{Kind: KindSnapping, Snapping: &SnappingConfig{Size: 5, MaxSkip: -1}}},
		{"empty delimiter", Config{Kind: KindSnapping, Snapping: &SnappingConfig{Size: 5, Delimiters: []string{""}}}},
		{"negative threshold", Config{Kind: KindSemantic, Semantic: &SemanticConfig{Threshold: -1, MinSize: 1, MaxSize: 2}}},
		{"min above max", Config{Kind: KindSemantic, Semantic: &SemanticConfig{MinSize: 5, MaxSize: 2}}},
		{"bad distance", Config{Kind: KindSemantic, Semantic: &SemanticConfig{MinSize: 1, MaxSize: 2, Distance: "manhattan"}}},
		{"bad pattern", Config{Kind: KindSplitline, Splitline: &SplitlineConfig{Patterns: []string{"("}}}},
		{"negative lines", Config{Kind: KindSplitline, Splitline: &SplitlineConfig{Size: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		})
	}
}

func TestNew_SemanticNeedsEmbedder(t *testing.T) {
	_, err := New(Config{Kind: KindSemantic, Semantic: &SemanticConfig{MinSize: 1, MaxSize: 2}}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(`{"kind":"splitline","splitline":{"size":3,"prepend_latest_header":true}}`)
	require.NoError(t, err)
	assert.Equal(t, KindSplitline, cfg.Kind)
	assert.Equal(t, 3, cfg.Splitline.Size)
	assert.True(t, cfg.Splitline.PrependLatestHeader)

	cfg, err = DecodeConfig("  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = DecodeConfig(`{"kind":"sliding","sliding":{"size":-4}}`)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

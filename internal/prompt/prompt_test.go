package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/stretchr/testify/require"
)

func TestDefault_RendersEveryTemplate(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	tools := []breezeflow.ToolSchema{{Name: "echo", Description: "Echo text"}}

	out, err := r.Render(Rewrite, RewriteData{Query: "那明天呢？"})
	require.NoError(t, err)
	require.Contains(t, out, "無對話歷史")
	require.Contains(t, out, "那明天呢？")

	out, err = r.Render(Plan, PlanData{Tools: tools, History: "使用者: 你好", Query: "q"})
	require.NoError(t, err)
	require.Contains(t, out, "- echo: Echo text")
	require.Contains(t, out, "使用者: 你好")

	out, err = r.Render(Synthesize, SynthesisData{Instructions: "INSTR", Query: "q", Results: []string{"a", "b"}})
	require.NoError(t, err)
	require.Contains(t, out, "INSTR")
	require.Contains(t, out, "1. a")
	require.Contains(t, out, "2. b")

	out, err = r.Render(Synthesize, SynthesisData{Query: "q"})
	require.NoError(t, err)
	require.Contains(t, out, "（無）")

	out, err = r.Render(Meta, MetaData{Tools: tools, Query: "你是誰？"})
	require.NoError(t, err)
	require.Contains(t, out, "- echo: Echo text")

	out, err = r.Render(MetaCheck, MetaData{Query: "你是誰？"})
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "META") && strings.Contains(out, "TASK"))

	_, err = r.Render("nope", nil)
	require.Error(t, err)
}

func TestDefault_ExpertsAndCommon(t *testing.T) {
	r := MustDefault()
	_, ok := r.Expert("get_weather")
	require.True(t, ok)
	_, ok = r.Expert("echo")
	require.False(t, ok)
	require.NotEmpty(t, r.Common())
	require.NotEmpty(t, r.MultiTool())
}

func TestLoad_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rewrite: "REWRITE {{.Query}}"
experts:
  echo: echo expert
`), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	out, err := r.Render(Rewrite, RewriteData{Query: "q"})
	require.NoError(t, err)
	require.Equal(t, "REWRITE q", out)

	expert, ok := r.Expert("echo")
	require.True(t, ok)
	require.Equal(t, "echo expert", expert)
	_, ok = r.Expert("get_weather")
	require.True(t, ok, "defaults survive an override")

	out, err = r.Render(Plan, PlanData{Query: "q"})
	require.NoError(t, err)
	require.Contains(t, out, "可用工具")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, &breezeflow.BreezeError{Code: breezeflow.ErrCodeConfiguration})

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`plan: "{{.Query"`), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

package mission

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

func TestBundledTemplatesLoad(t *testing.T) {
	lib, err := NewLibrary()
	require.NoError(t, err)
	assert.Equal(t, []ThesisType{ThesisAccelerateGrowth, ThesisBuyAndBuild, ThesisDigitalTransformation}, lib.Types())

	for _, typ := range lib.Types() {
		tpl, err := lib.Lookup(typ)
		require.NoError(t, err)
		assert.Len(t, tpl.DefaultPillars, 3, typ)
		assert.Len(t, tpl.Signals, 12, typ)
		assert.InDelta(t, 0.7, tpl.MinCoverage, 1e-9)

		th := tpl.ThesisFor("Acme", "")
		require.NoError(t, th.Validate())
		for _, s := range tpl.Signals {
			_, ok := th.Pillar(s.Pillar)
			assert.True(t, ok, "signal %s references unknown pillar %s", s.ID, s.Pillar)
			assert.True(t, tpl.ToolsFor(s.Category).Primary.Known(), s.Category)
		}
	}
}

func TestLookupUnknownTypeIsConfigurationError(t *testing.T) {
	lib, err := NewLibrary()
	require.NoError(t, err)
	_, err = lib.Lookup(ThesisCustom)
	assert.True(t, taxonomy.Is(err, taxonomy.KindConfiguration))
}

func TestLoadDirectoryOverridesTemplate(t *testing.T) {
	lib, err := NewLibrary()
	require.NoError(t, err)

	dir := t.TempDir()
	custom := `type: custom
name: Custom
min_coverage: 0.5
signals:
  - id: security_posture
    pillar: risk
    category: security
    criticality: critical
tools:
  security:
    primary: security_scanner
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, lib.LoadDirectory(dir))

	tpl, ok := lib.Get(ThesisCustom)
	require.True(t, ok)
	assert.Equal(t, ToolSecurityScanner, tpl.ToolsFor("security").Primary)
	assert.Equal(t, ToolWebSearch, tpl.ToolsFor("unknown").Primary)
}

func TestLoadDirectoryReportsBadFiles(t *testing.T) {
	lib, err := NewLibrary()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("type: x\nunknown_field: 1\n"), 0o644))

	err = lib.LoadDirectory(dir)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Len(t, loadErr.Failures, 1)
}

func TestMatrixValidate(t *testing.T) {
	assert.Error(t, Matrix{Type: ThesisCustom}.Validate())
	dup := Matrix{Signals: []SignalExpectation{
		{ID: "a", Criticality: High},
		{ID: "a", Criticality: High},
	}}
	assert.Error(t, dup.Validate())
	bad := Matrix{Signals: []SignalExpectation{{ID: "a", Criticality: "urgent"}}}
	assert.Error(t, bad.Validate())
}

func TestThesisCloneIsDeep(t *testing.T) {
	th := Thesis{Company: "Acme", Pillars: []Pillar{{ID: "p", Weight: 1, Keywords: []string{"a"}}}}
	cp := th.Clone()
	th.Pillars[0].Keywords[0] = "changed"
	th.Pillars[0].Weight = 5
	assert.Equal(t, "a", cp.Pillars[0].Keywords[0])
	assert.Equal(t, 1.0, cp.Pillars[0].Weight)
}

func TestThesisValidate(t *testing.T) {
	assert.Error(t, Thesis{}.Validate())
	assert.Error(t, Thesis{Company: "Acme"}.Validate())
	assert.Error(t, Thesis{Company: "Acme", Pillars: []Pillar{{ID: "a"}, {ID: "a"}}}.Validate())
	assert.NoError(t, Thesis{Company: "Acme", Pillars: []Pillar{{ID: "a", Weight: 1}}}.Validate())
}

func TestSegmentAndQueries(t *testing.T) {
	th := Thesis{Company: "Acme", Statement: "Enterprise platform for Fortune 500 buyers"}
	assert.Equal(t, "enterprise", th.Segment())
	th = Thesis{Company: "Acme", Statement: "Self-serve tool for small business owners"}
	assert.Equal(t, "smb", th.Segment())

	s := SignalExpectation{ID: "market_size", Query: "{company} market size"}
	assert.Equal(t, "Acme market size", s.QueryFor("Acme"))
	s.Query = ""
	assert.True(t, strings.HasSuffix(s.QueryFor("Acme"), "market size"))
}

func TestToolQueues(t *testing.T) {
	assert.Equal(t, QueueSearch, ToolWebSearch.Queue())
	assert.Equal(t, QueueDocumentAnalysis, ToolHARCapture.Queue())
	assert.Equal(t, QueueDeepTechnicalAnalysis, ToolSecurityScanner.Queue())
	assert.False(t, Tool("telepathy").Known())
	assert.Len(t, Tools(), 10)
	assert.Equal(t, []Tool{ToolWebSearch, ToolHTMLCollector}, ToolBundle{Primary: ToolWebSearch, Fallbacks: []Tool{ToolHTMLCollector}}.All())
}

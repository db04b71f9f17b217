package phase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lucasnoah/stagegate/internal/metrics"
	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// DefaultCacheSize bounds the number of compiled documents kept in memory.
const DefaultCacheSize = 128

type compiled struct {
	dag    pipeline.DAG
	phases []Phase
}

// Compiler parses and expands task breakdowns, caching results by template
// and document hash. The watch command re-compiles on every save, so the
// cache matters there.
type Compiler struct {
	reg    Registry
	cache  *lru.Cache[string, compiled]
	logger *slog.Logger
}

// NewCompiler builds a Compiler. A size of zero uses DefaultCacheSize.
func NewCompiler(reg Registry, size int, logger *slog.Logger) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, compiled](size)
	if err != nil {
		return nil, fmt.Errorf("create compile cache: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compiler{reg: reg, cache: cache, logger: logger}, nil
}

// Compile returns the phase DAG for doc and the phases it was built from. An
// empty DAG means the caller should fall back to the flat template.
func (c *Compiler) Compile(doc, templateID string) (pipeline.DAG, []Phase) {
	key := cacheKey(doc, templateID)
	if hit, ok := c.cache.Get(key); ok {
		metrics.CompileCache(true)
		c.logger.Debug("phase compile cache hit", "template", templateID, "phases", len(hit.phases))
		return hit.dag.Clone(), clonePhases(hit.phases)
	}

	metrics.CompileCache(false)
	phases := ParsePhasesFromTasks(doc)
	dag := GenerateDAG(phases, templateID, c.reg)
	if len(dag) == 0 {
		c.logger.Info("phase breakdown not compiled", "template", templateID, "phases", len(phases))
	} else {
		c.logger.Info("compiled phase breakdown", "template", templateID, "phases", len(phases), "stages", len(dag))
	}
	c.cache.Add(key, compiled{dag: dag.Clone(), phases: clonePhases(phases)})
	return dag, phases
}

// Len reports the number of cached documents.
func (c *Compiler) Len() int {
	return c.cache.Len()
}

func cacheKey(doc, templateID string) string {
	sum := sha256.Sum256([]byte(doc))
	return templateID + ":" + hex.EncodeToString(sum[:])
}

func clonePhases(in []Phase) []Phase {
	if in == nil {
		return nil
	}
	out := make([]Phase, len(in))
	for i, p := range in {
		p.Deps = append([]string(nil), p.Deps...)
		p.DepIndices = append([]int(nil), p.DepIndices...)
		p.Tasks = append([]string(nil), p.Tasks...)
		out[i] = p
	}
	return out
}

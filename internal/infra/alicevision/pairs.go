package alicevision

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/meshify/meshify-reconstruction-service/internal/domain/entity"
)

// PairPolicy decides which view pairs the feature-matching stage compares.
// The historical behaviour is sequential adjacency, which is cheap and
// deterministic but misses loop closures on captures that revisit a side
// of the object; all-pairs and windowed policies exist for those captures.
type PairPolicy interface {
	Pairs(ids []string) [][2]string
}

// SequentialPolicy pairs each view with its successor in manifest order.
type SequentialPolicy struct{}

func (SequentialPolicy) Pairs(ids []string) [][2]string {
	if len(ids) < 2 {
		return nil
	}
	pairs := make([][2]string, 0, len(ids)-1)
	for i := 0; i+1 < len(ids); i++ {
		pairs = append(pairs, [2]string{ids[i], ids[i+1]})
	}
	return pairs
}

// AllPairsPolicy emits every unordered pair of views.
type AllPairsPolicy struct{}

func (AllPairsPolicy) Pairs(ids []string) [][2]string {
	var pairs [][2]string
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, [2]string{ids[i], ids[j]})
		}
	}
	return pairs
}

// WindowedPolicy pairs each view with up to Window successors.
type WindowedPolicy struct {
	Window int
}

func (p WindowedPolicy) Pairs(ids []string) [][2]string {
	var pairs [][2]string
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids) && j <= i+p.Window; j++ {
			pairs = append(pairs, [2]string{ids[i], ids[j]})
		}
	}
	return pairs
}

func PolicyFromName(name string, window int) (PairPolicy, error) {
	switch name {
	case "", "sequential":
		return SequentialPolicy{}, nil
	case "all":
		return AllPairsPolicy{}, nil
	case "windowed":
		if window < 1 {
			return nil, fmt.Errorf("windowed pair policy needs a window >= 1, got %d", window)
		}
		return WindowedPolicy{Window: window}, nil
	default:
		return nil, fmt.Errorf("unknown pair policy %q", name)
	}
}

// PairGenerator derives the image-pair list from the current scene
// manifest and writes it in the newline-delimited format the
// feature-matching binary consumes.
type PairGenerator struct {
	policy PairPolicy
	logger *zap.Logger
}

func NewPairGenerator(policy PairPolicy, logger *zap.Logger) *PairGenerator {
	return &PairGenerator{policy: policy, logger: logger}
}

// Generate reads the manifest at manifestPath and writes the pair list to
// outPath. Fewer than two views produce an empty but present file; that is
// a degenerate scene, not an error.
func (g *PairGenerator) Generate(manifestPath, outPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read scene manifest: %w", err)
	}

	var manifest entity.SceneManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse scene manifest: %w", err)
	}

	ids := g.viewIDs(manifest.Views)
	pairs := g.policy.Pairs(ids)

	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p[0])
		b.WriteByte(' ')
		b.WriteString(p[1])
		b.WriteByte('\n')
	}
	if err := os.WriteFile(outPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write pair list: %w", err)
	}

	g.logger.Info("image pairs generated",
		zap.Int("views", len(ids)),
		zap.Int("pairs", len(pairs)),
	)
	return nil
}

// viewIDs validates every view id as an integer; a non-numeric id is
// replaced by the view's positional index so one malformed record cannot
// fail the stage.
func (g *PairGenerator) viewIDs(views []entity.SceneView) []string {
	ids := make([]string, len(views))
	for i, v := range views {
		if _, err := strconv.Atoi(v.ViewID); err != nil {
			g.logger.Warn("non-numeric view id, using positional index",
				zap.String("view_id", v.ViewID),
				zap.Int("index", i),
			)
			ids[i] = strconv.Itoa(i)
			continue
		}
		ids[i] = v.ViewID
	}
	return ids
}

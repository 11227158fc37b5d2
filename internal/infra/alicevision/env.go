package alicevision

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cameraInitBinary = "aliceVision_cameraInit"

	vocTreeFile  = "vlfeat_K80L3.SIFT.tree"
	sensorDBFile = "cameraSensors.db"
	ocioFile     = "config.ocio"
)

// defaultBinDirs are the conventional install locations probed when no
// binary directory is configured.
var defaultBinDirs = []string{
	"/opt/AliceVision/bin",
	"/opt/Meshroom/aliceVision/bin",
	"/usr/local/AliceVision/bin",
	"/usr/local/aliceVision/bin",
}

// minimalOCIO is written in place of a missing color-management profile.
// The toolchain only needs a syntactically valid config with a raw
// colorspace to run.
const minimalOCIO = `ocio_profile_version: 1

roles:
  default: raw
  scene_linear: raw
  color_picking: raw

displays:
  sRGB:
    - !<View> {name: Raw, colorspace: raw}

colorspaces:
  - !<ColorSpace>
    name: raw
    family: raw
    bitdepth: 32f
    isdata: true
    allocation: uniform
`

// Toolchain is the resolved, validated execution context for the binaries.
// It is immutable after resolution and safe to share across jobs; nothing
// here ever mutates the process environment.
type Toolchain struct {
	BinDir   string
	RootDir  string
	LibDirs  []string
	ShareDir string
	OCIOPath string
}

type ResolveConfig struct {
	// BinDir, when set, is tried before the environment override and the
	// conventional locations.
	BinDir string

	// ShareDir overrides the <root>/share/aliceVision convention.
	ShareDir string

	// AssetBaseURL is where missing shared-data files are fetched from.
	// Empty disables fetching.
	AssetBaseURL string

	DownloadTimeout time.Duration
}

// ResolveToolchain locates the binaries, libraries and shared data. Missing
// shared assets degrade softly: the color profile is synthesized and the
// data files are fetched remotely when possible, with failures logged and
// left for the consuming stage to report.
func ResolveToolchain(cfg ResolveConfig, logger *zap.Logger) (*Toolchain, error) {
	binDir, err := resolveBinDir(cfg.BinDir)
	if err != nil {
		return nil, err
	}
	logger.Info("toolchain binaries located", zap.String("bin_dir", binDir))

	libDirs := resolveLibDirs(binDir, logger)

	shareDir := cfg.ShareDir
	rootDir := filepath.Dir(binDir)
	if shareDir == "" {
		shareDir, rootDir = resolveShareTree(binDir)
	}
	if err := os.MkdirAll(shareDir, 0o755); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("create share dir %s: %v", shareDir, err)}
	}

	tc := &Toolchain{
		BinDir:   binDir,
		RootDir:  rootDir,
		LibDirs:  libDirs,
		ShareDir: shareDir,
		OCIOPath: filepath.Join(shareDir, ocioFile),
	}
	tc.ensureSharedAssets(cfg, logger)
	return tc, nil
}

func resolveBinDir(configured string) (string, error) {
	var candidates []string
	if configured != "" {
		candidates = append(candidates, configured)
	}
	if fromEnv := os.Getenv("ALICEVISION_BIN_PATH"); fromEnv != "" {
		candidates = append(candidates, fromEnv)
	}
	candidates = append(candidates, defaultBinDirs...)

	for _, dir := range candidates {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if hasExecutable(abs, cameraInitBinary) {
			return abs, nil
		}
	}
	return "", &ConfigurationError{
		Reason: fmt.Sprintf("no %s found in any of: %s", cameraInitBinary, strings.Join(candidates, ", ")),
	}
}

func hasExecutable(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// resolveLibDirs probes the conventional layouts around the binary
// directory for the toolchain's own shared libraries. Checking for
// libaliceVision* files rather than bare directory existence keeps an
// unrelated lib/ from being picked up.
func resolveLibDirs(binDir string, logger *zap.Logger) []string {
	candidates := []string{
		filepath.Join(filepath.Dir(binDir), "lib"),
		filepath.Join(filepath.Dir(filepath.Dir(binDir)), "lib"),
		filepath.Join(filepath.Dir(filepath.Dir(filepath.Dir(binDir))), "lib"),
		binDir,
	}

	for _, dir := range candidates {
		if hasToolchainLibs(dir) {
			logger.Info("toolchain libraries located", zap.String("lib_dir", dir))
			return []string{dir}
		}
	}

	logger.Warn("toolchain libraries not found, falling back to the binary directory",
		zap.String("bin_dir", binDir),
	)
	return []string{binDir}
}

func hasToolchainLibs(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "libaliceVision") {
			return true
		}
	}
	return false
}

// resolveShareTree locates the shared-data directory around the binary
// directory. Flat installs keep share/ next to bin/; Meshroom bundles nest
// the binaries one level deeper (<root>/aliceVision/bin) with share/ at the
// bundle root. Whichever candidate already holds a named asset wins, so a
// user-provided profile or database is never shadowed by a synthesized one.
func resolveShareTree(binDir string) (shareDir, rootDir string) {
	oneUp := filepath.Dir(binDir)
	twoUp := filepath.Dir(oneUp)

	for _, root := range []string{oneUp, twoUp} {
		dir := filepath.Join(root, "share", "aliceVision")
		if hasSharedAssets(dir) {
			return dir, root
		}
	}
	return filepath.Join(oneUp, "share", "aliceVision"), oneUp
}

func hasSharedAssets(dir string) bool {
	for _, name := range []string{ocioFile, sensorDBFile, vocTreeFile} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

func (tc *Toolchain) VocTreePath() string  { return filepath.Join(tc.ShareDir, vocTreeFile) }
func (tc *Toolchain) SensorDBPath() string { return filepath.Join(tc.ShareDir, sensorDBFile) }
func (tc *Toolchain) Root() string         { return tc.RootDir }

// ensureSharedAssets synthesizes the color profile and fetches the
// vocabulary tree and sensor database when absent. Fetch failures are
// warnings: the stage that actually needs the asset will fail loudly.
func (tc *Toolchain) ensureSharedAssets(cfg ResolveConfig, logger *zap.Logger) {
	if _, err := os.Stat(tc.OCIOPath); os.IsNotExist(err) {
		if err := os.WriteFile(tc.OCIOPath, []byte(minimalOCIO), 0o644); err != nil {
			logger.Warn("could not synthesize color profile", zap.Error(err))
		} else {
			logger.Info("synthesized minimal color profile", zap.String("path", tc.OCIOPath))
		}
	}

	if cfg.AssetBaseURL == "" {
		return
	}
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	for _, name := range []string{vocTreeFile, sensorDBFile} {
		dest := filepath.Join(tc.ShareDir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := fetchAsset(client, cfg.AssetBaseURL, name, dest); err != nil {
			logger.Warn("shared asset fetch failed",
				zap.String("asset", name),
				zap.Error(err),
			)
			continue
		}
		logger.Info("shared asset fetched", zap.String("asset", name))
	}
}

// fetchAsset downloads one shared-data file, writing through a temp file so
// concurrent jobs racing on the same asset either see nothing or a
// complete file. A concurrent winner is fine: rename simply replaces it
// with identical content.
func fetchAsset(client *http.Client, baseURL, name, dest string) error {
	url := strings.TrimRight(baseURL, "/") + "/" + name

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move %s into place: %w", name, err)
	}
	return nil
}

// Environ merges the toolchain's search paths into a base environment and
// returns the result. It is pure: resolving repeatedly never stacks
// duplicate path segments, and the caller's own LD_LIBRARY_PATH entries
// are preserved behind the toolchain's.
func (tc *Toolchain) Environ(base []string) []string {
	existing := envValue(base, "LD_LIBRARY_PATH")
	merged := prependPaths(tc.LibDirs, existing)

	env := setEnv(base, "LD_LIBRARY_PATH", merged)
	env = setEnv(env, "ALICEVISION_ROOT", tc.Root())
	env = setEnv(env, "ALICEVISION_SHARE", tc.ShareDir)
	env = setEnv(env, "OCIO", tc.OCIOPath)
	return env
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}

func prependPaths(dirs []string, existing string) string {
	seen := make(map[string]bool)
	var parts []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		parts = append(parts, p)
	}
	for _, d := range dirs {
		add(d)
	}
	for _, p := range strings.Split(existing, ":") {
		add(p)
	}
	return strings.Join(parts, ":")
}

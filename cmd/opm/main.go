// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opm/internal/casstore"
	"opm/internal/ctxkeys"
	"opm/internal/events"
	"opm/internal/gc"
	"opm/internal/logging"
	"opm/internal/manifest"
	"opm/internal/pipeline"
	"opm/internal/prefixlock"
	"opm/internal/registrycreds"
	"opm/internal/repository"
	"opm/internal/resolver"
	"opm/internal/semverx"
	"opm/internal/signing"
	"opm/internal/slotmgr"
	"opm/internal/statedb"
	"opm/internal/verify"
	"opm/pkg/crypto"
	"opm/pkg/pm"
)

func main() {
	prefix := flag.String("prefix", "/opt/pm", "package manager prefix root")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	indexURL := flag.String("index-url", "", "repository index URL (required for install)")
	bootstrapKey := flag.String("bootstrap-key", os.Getenv("OPM_BOOTSTRAP_KEY"), "trusted minisign public key (uses OPM_BOOTSTRAP_KEY if unset)")
	credsPath := flag.String("registry-creds", "", "path to an encrypted registry credentials store (optional)")
	credsPassphrase := flag.String("registry-creds-passphrase", os.Getenv("OPM_REGISTRY_CREDS_PASSPHRASE"), "passphrase for -registry-creds (uses OPM_REGISTRY_CREDS_PASSPHRASE if unset)")
	retentionDays := flag.Int("retention-days", 14, "gc: days before a retired state is eligible for deletion")
	retentionCount := flag.Int("retention-count", 3, "gc: newest retired states always kept regardless of age")
	gracePeriod := flag.Duration("grace-period", 24*time.Hour, "gc: how long a zero-refcount object waits before its file is unlinked")
	scanLevel := flag.String("level", "standard", "verify: quick, standard or full")
	heal := flag.Bool("heal", false, "verify: repair discrepancies found")
	flag.Parse()

	logger := logging.Install(*logLevel)
	logger.Debug("startup", "prefix", *prefix, "bootstrap_key", crypto.RedactSecret(*bootstrapKey))

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: opm [flags] <install|verify|gc|list> [args...]")
		os.Exit(2)
	}
	cmd, rest := args[0], args[1:]

	env, err := openEnv(*prefix, logger)
	if err != nil {
		slog.Error("failed to open prefix", "prefix", *prefix, "error", err)
		os.Exit(1)
	}
	defer env.db.Close()

	ctx := context.Background()

	switch cmd {
	case "install":
		err = runInstall(ctx, env, rest, *indexURL, *bootstrapKey, *credsPath, *credsPassphrase)
	case "verify":
		err = runVerify(ctx, env, *scanLevel, *heal)
	case "gc":
		err = runGC(ctx, env, gc.Config{
			RetentionDays:  *retentionDays,
			RetentionCount: *retentionCount,
			GracePeriod:    *gracePeriod,
		})
	case "list":
		err = runList(ctx, env)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// env bundles the opened on-disk components one prefix needs for any
// subcommand.
type env struct {
	root   string
	cas    *casstore.Store
	db     *statedb.DB
	slots  *slotmgr.Manager
	bus    *events.Bus
	logger *slog.Logger
}

func openEnv(root string, logger *slog.Logger) (*env, error) {
	stateDir := filepath.Join(root, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, pm.ErrStorageIO(err)
	}

	cas, err := casstore.Open(filepath.Join(root, "store"))
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(context.Background(), filepath.Join(stateDir, "state.sqlite"), logger)
	if err != nil {
		return nil, err
	}
	slots, err := slotmgr.New(root, logger)
	if err != nil {
		return nil, err
	}
	bus := events.New(256)
	return &env{root: root, cas: cas, db: db, slots: slots, bus: bus, logger: logger}, nil
}

// logEvents drains bus on a background goroutine, printing one line per
// event, until ctx is cancelled. Returns a stop func for the caller to
// invoke once the operation it's watching has returned.
func (e *env) logEvents(ctx context.Context) func() {
	sub := e.bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				e.logger.Info("event", "family", ev.Family, "stage", ev.Stage, "package", ev.Package, "message", ev.Message)
			}
		}
	}()
	return func() { <-done }
}

func runInstall(ctx context.Context, e *env, names []string, indexURL, bootstrapKey, credsPath, credsPassphrase string) error {
	if len(names) == 0 {
		return fmt.Errorf("install requires at least one package name")
	}
	if indexURL == "" {
		return fmt.Errorf("-index-url is required for install")
	}

	lock := prefixlock.New(filepath.Join(e.root, "state"))
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	httpClient, err := authenticatedClient(indexURL, credsPath, credsPassphrase)
	if err != nil {
		return err
	}

	ks, err := signing.NewKeystore(bootstrapKey)
	if err != nil {
		return err
	}
	client := repository.NewClient(ks, httpClient)
	idx, err := client.Fetch(ctx, indexURL)
	if err != nil {
		return err
	}

	installed, err := loadInstalledSet(ctx, e.db)
	if err != nil {
		return err
	}

	ctx, corr := ctxkeys.EnsureCorrelationID(ctx)
	e.logger.Info("install started", "correlation_id", corr, "packages", names)

	r := resolver.New(&indexProvider{idx: idx}, installed, resolver.Config{})
	goals := make([]pm.DependencySpec, 0, len(names))
	for _, n := range names {
		goals = append(goals, parseGoal(n))
	}

	plan, err := r.Resolve(ctx, goals)
	if err != nil {
		return err
	}
	e.logger.Info("resolved install plan", "packages", plan.PackageCount(), "batches", len(plan.Batches))

	p := pipeline.New(e.cas, e.db, e.slots, e.bus, httpClient, pipeline.Config{}, e.logger)
	watchCtx, cancel := context.WithCancel(ctx)
	wait := e.logEvents(watchCtx)
	report, err := p.Run(ctx, "install", plan)
	cancel()
	wait()
	if err != nil {
		return err
	}
	e.logger.Info("install complete", "state", report.State.String(), "installed", len(report.Installed), "duration", report.Duration)
	return nil
}

// authenticatedClient returns nil (letting callers fall back to a bare
// http.Client) unless credsPath is set, in which case it opens the registry
// credentials store, looks up a bearer token for indexURL's host, and wraps
// http.DefaultTransport to attach it to every request. A store with no
// entry for the host yields a plain client rather than an error, since
// private-mirror credentials are opt-in per host.
func authenticatedClient(indexURL, credsPath, credsPassphrase string) (*http.Client, error) {
	if credsPath == "" {
		return nil, nil
	}
	u, err := url.Parse(indexURL)
	if err != nil {
		return nil, pm.ErrPackageValidation("index_url", err)
	}
	store, err := registrycreds.Open(credsPath, credsPassphrase)
	if err != nil {
		return nil, err
	}
	token, ok, err := store.Get(u.Host)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &http.Client{Transport: &bearerTransport{token: token, base: http.DefaultTransport}}, nil
}

// bearerTransport attaches a bearer token to every outgoing request, for
// fetching from a registry that requires authentication.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func runVerify(ctx context.Context, e *env, levelName string, heal bool) error {
	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}

	v := verify.New(e.db, e.cas, e.slots, nil, e.logger)
	report, err := v.Run(ctx, level, verify.Scope{})
	if err != nil {
		return err
	}
	e.logger.Info("verify complete", "state", report.State.String(), "discrepancies", len(report.Discrepancies), "duration", report.Duration)
	for _, d := range report.Discrepancies {
		e.logger.Warn("discrepancy", "path", d.Path, "kind", d.Kind.String(), "category", d.Category)
	}

	if !heal || report.IsValid() {
		return nil
	}

	lock := prefixlock.New(filepath.Join(e.root, "state"))
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	healed, err := v.Heal(ctx, report.Discrepancies)
	if err != nil {
		return err
	}
	for _, a := range healed.Actions {
		e.logger.Info("heal", "path", a.Path, "action", a.Action, "error", a.Err)
	}
	return nil
}

func runGC(ctx context.Context, e *env, cfg gc.Config) error {
	lock := prefixlock.New(filepath.Join(e.root, "state"))
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	m := gc.New(e.db, e.cas, e.bus, cfg, e.logger)
	report, err := m.Run(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("gc complete",
		"states_deleted", report.StatesDeleted,
		"cas_objects_deleted", report.CASObjectsDeleted,
		"bytes_freed", report.BytesFreed,
		"errors", len(report.Errors),
		"duration", report.Duration)
	return nil
}

func runList(ctx context.Context, e *env) error {
	active, err := e.db.ActiveState(ctx)
	if err != nil {
		return err
	}
	pkgs, err := e.db.StatePackages(ctx, active)
	if err != nil {
		return err
	}
	for _, p := range pkgs {
		fmt.Printf("%s\t%s\n", p.Identity.String(), p.ArchiveHash)
	}
	return nil
}

// installedSet adapts a precomputed package map to resolver.InstalledSet.
type installedSet map[string]pm.Identity

func (s installedSet) Installed(name string) (pm.Identity, bool) {
	id, ok := s[name]
	return id, ok
}

func loadInstalledSet(ctx context.Context, db *statedb.DB) (installedSet, error) {
	active, err := db.ActiveState(ctx)
	if err != nil {
		var pe *pm.Error
		if errAs(err, &pe) && pe.Code() == "state.no_active_state" {
			return installedSet{}, nil
		}
		return nil, err
	}
	pkgs, err := db.StatePackages(ctx, active)
	if err != nil {
		return nil, err
	}
	out := make(installedSet, len(pkgs))
	for _, p := range pkgs {
		out[p.Identity.Name] = p.Identity
	}
	return out, nil
}

func errAs(err error, target **pm.Error) bool {
	if pe, ok := err.(*pm.Error); ok {
		*target = pe
		return true
	}
	return false
}

// indexProvider adapts a fetched repository.Index to resolver.Provider.
type indexProvider struct {
	idx *repository.Index
}

func (p *indexProvider) Versions(ctx context.Context, name string) ([]resolver.Candidate, error) {
	entries, ok := p.idx.Packages[name]
	if !ok {
		return nil, nil
	}
	out := make([]resolver.Candidate, 0, len(entries))
	for _, entry := range entries {
		hash, err := pm.ParseHash(entry.BLAKE3)
		if err != nil {
			return nil, pm.ErrPackageValidation("index_hash_parse", err)
		}
		version, err := parseIndexVersion(name, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, resolver.Candidate{
			Identity: pm.Identity{
				Name:     name,
				Version:  version.String(),
				Revision: entry.Revision,
				Arch:     entry.Arch,
			},
			Version:      version,
			Runtime:      parseDependencies(entry.RuntimeDeps),
			DownloadURL:  entry.DownloadURL,
			MinisigURL:   entry.MinisigURL,
			ExpectedHash: hash,
		})
	}
	return out, nil
}

// parseIndexVersion parses a repository index entry's version string,
// wrapping the error as a package validation failure naming the package.
func parseIndexVersion(name string, entry repository.VersionEntry) (semverx.Version, error) {
	v, err := semverx.ParseVersion(entry.Version)
	if err != nil {
		return semverx.Version{}, pm.ErrPackageValidation(name, err)
	}
	return v, nil
}

// parseDependencies decodes a repository index entry's dependency list
// using the same "name{constraint}" grammar manifest.toml uses.
func parseDependencies(raw []string) []pm.DependencySpec {
	return manifest.ParseDependencies(raw)
}

// parseGoal turns a CLI argument into a goal dependency spec. "name=X.Y.Z"
// pins an exact version; a bare name is unconstrained.
func parseGoal(arg string) pm.DependencySpec {
	name, version, ok := strings.Cut(arg, "=")
	if !ok {
		return pm.DependencySpec{Name: arg}
	}
	return pm.DependencySpec{Name: name, Constraints: []string{"=" + version}}
}

func parseLevel(s string) (verify.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quick":
		return verify.LevelQuick, nil
	case "standard", "":
		return verify.LevelStandard, nil
	case "full":
		return verify.LevelFull, nil
	default:
		return 0, fmt.Errorf("unknown verify level %q", s)
	}
}

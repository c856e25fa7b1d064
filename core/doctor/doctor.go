// Package doctor checks that a shomer installation can ingest and that the
// evidence it already holds is intact.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/shomer/core/caseindex"
	"github.com/davidahmann/shomer/core/config"
	"github.com/davidahmann/shomer/core/custody"
	"github.com/davidahmann/shomer/core/sign"
	"github.com/davidahmann/shomer/core/vault"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Options struct {
	Config          config.Config
	ProducerVersion string
}

type Result struct {
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

func Run(ctx context.Context, opts Options) Result {
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}
	cfg := opts.Config

	checks := []Check{
		checkConfig(cfg),
		checkDirWritable("base_path", cfg.Storage.BasePath),
		checkDirWritable("vault_path", cfg.Storage.VaultPath),
		checkSigningKey(cfg.Crypto.KeyPath, cfg.Crypto.KeyName),
		checkVaultKey(vault.DefaultKeyPath(cfg.Storage.VaultPath)),
		checkCaseIndex(ctx, cfg.Storage.SQLitePath),
		checkCustodyChain(cfg.Storage.CustodyLog),
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case StatusFail:
			failed++
		case StatusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := StatusPass
	if failed > 0 {
		status = StatusFail
	} else if warned > 0 {
		status = StatusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

func checkConfig(cfg config.Config) Check {
	if err := cfg.Validate(); err != nil {
		return Check{
			Name:       "config",
			Status:     StatusFail,
			Message:    err.Error(),
			FixCommand: "edit config.yaml or export SHOMER_HMAC_KEY",
		}
	}
	return Check{Name: "config", Status: StatusPass, Message: "configuration is complete"}
}

func checkDirWritable(name, dir string) Check {
	if strings.TrimSpace(dir) == "" {
		return Check{Name: name, Status: StatusFail, Message: name + " is not configured"}
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       name,
				Status:     StatusWarn,
				Message:    "directory does not exist yet",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(dir)),
			}
		}
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("directory check failed: %v", err)}
	}
	if !info.IsDir() {
		return Check{Name: name, Status: StatusFail, Message: "path is not a directory"}
	}
	testPath := filepath.Join(dir, ".shomer-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       name,
			Status:     StatusFail,
			Message:    fmt.Sprintf("directory not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(dir)),
		}
	}
	_ = os.Remove(testPath)
	return Check{Name: name, Status: StatusPass, Message: "directory is writable"}
}

func checkSigningKey(dir, name string) Check {
	keys, err := sign.LoadKeyPair(dir, name)
	switch {
	case errors.Is(err, sign.ErrKeypairNotFound):
		return Check{
			Name:       "signing_key",
			Status:     StatusWarn,
			Message:    "signing key pair not created yet",
			FixCommand: "shomer keys init",
		}
	case err != nil:
		return Check{
			Name:       "signing_key",
			Status:     StatusFail,
			Message:    fmt.Sprintf("signing key unusable: %v", err),
			NonFixable: true,
		}
	}
	privatePath, _ := sign.KeyPaths(dir, name)
	if check, ok := checkOwnerOnly("signing_key", privatePath); !ok {
		return check
	}
	return Check{Name: "signing_key", Status: StatusPass, Message: "signing key " + sign.KeyID(keys.Public) + " loads"}
}

// checkVaultKey never creates the key; a missing key is normal before the
// first quarantine.
func checkVaultKey(path string) Check {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "vault_key", Status: StatusWarn, Message: "vault key will be generated on first use"}
		}
		return Check{Name: "vault_key", Status: StatusFail, Message: fmt.Sprintf("vault key check failed: %v", err)}
	}
	if check, ok := checkOwnerOnly("vault_key", path); !ok {
		return check
	}
	return Check{Name: "vault_key", Status: StatusPass, Message: "vault key present"}
}

func checkOwnerOnly(name, path string) (Check, bool) {
	if runtime.GOOS == "windows" {
		return Check{}, true
	}
	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("stat %s: %v", path, err)}, false
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Check{
			Name:       name,
			Status:     StatusFail,
			Message:    fmt.Sprintf("%s is readable by group or others (%v)", path, info.Mode().Perm()),
			FixCommand: fmt.Sprintf("chmod 600 %s", shellQuote(path)),
		}, false
	}
	return Check{}, true
}

func checkCaseIndex(ctx context.Context, path string) Check {
	store, err := caseindex.Open(ctx, path)
	if err != nil {
		return Check{Name: "case_index", Status: StatusFail, Message: fmt.Sprintf("case index unavailable: %v", err)}
	}
	_ = store.Close()
	return Check{Name: "case_index", Status: StatusPass, Message: "case index opens and is migrated"}
}

func checkCustodyChain(path string) Check {
	log, err := custody.Open(path)
	if err != nil {
		return Check{Name: "custody_chain", Status: StatusFail, Message: err.Error()}
	}
	events, err := log.Events("")
	if err != nil {
		return Check{Name: "custody_chain", Status: StatusFail, Message: fmt.Sprintf("read custody log: %v", err), NonFixable: true}
	}
	byCase := make(map[string][]custody.Event)
	for _, event := range events {
		byCase[event.CaseID] = append(byCase[event.CaseID], event)
	}
	broken := make([]string, 0)
	for caseID, caseEvents := range byCase {
		if err := custody.VerifyChain(caseEvents); err != nil {
			broken = append(broken, caseID)
		}
	}
	if len(broken) > 0 {
		sort.Strings(broken)
		return Check{
			Name:       "custody_chain",
			Status:     StatusFail,
			Message:    "custody chain broken for cases: " + strings.Join(broken, ","),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "custody_chain",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d events across %d cases chain correctly", len(events), len(byCase)),
	}
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

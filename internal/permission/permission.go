// Package permission evaluates the per-key-ref TOML policy document into a
// three-level access decision. The engine is pure: the same inputs and the
// same on-disk policy always yield the same answer, and it never mutates
// policy files.
package permission

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/nameguard"
)

// Decision is the engine's verdict.
type Decision string

const (
	DecisionAdmin  Decision = "admin"
	DecisionFull   Decision = "full"
	DecisionRead   Decision = "read"
	DecisionDenied Decision = "denied"
	DecisionBanned Decision = "banned"
)

// Snapshot is the {admin, full, read} JSON shape returned by permission-json,
// standardized across editions per Design Notes.
type Snapshot struct {
	Admin bool `json:"admin"`
	Full  bool `json:"full"`
	Read  bool `json:"read"`
}

// containerScope is one entry under [incus.<name>] in the policy document.
type containerScope struct {
	FullAccess bool     `toml:"full-access"`
	ReadAccess bool     `toml:"read-access"`
	Permit     []string `toml:"permit"`
	PermitRead []string `toml:"permit-read"`
}

// doc is the decoded shape of a <key-ref>.toml policy file.
type doc struct {
	Admin           bool                      `toml:"admin"`
	Banned          bool                      `toml:"banned"`
	FullAccess      bool                      `toml:"full-access"`
	ReadAccess      bool                      `toml:"read-access"`
	IncusFullAccess bool                      `toml:"incus-full-access"`
	IncusReadAccess bool                      `toml:"incus-read-access"`
	Incus           map[string]containerScope `toml:"incus"`
	Metal           containerScope            `toml:"metal"`
}

// Engine resolves key-ref policy files under PermissionDir.
type Engine struct {
	PermissionDir string
}

func NewEngine(permissionDir string) *Engine {
	return &Engine{PermissionDir: permissionDir}
}

// Request names the scope one decision is evaluated for.
type Request struct {
	KeyRef    string
	Container string // empty for bare-metal edition or when no container applies
	Image     string
	Edition   Edition
}

// Edition selects which per-(scope,image) leaf the engine consults.
type Edition int

const (
	EditionContainer Edition = iota
	EditionMetal
)

// Evaluate runs the full short-circuit evaluation order from the data model.
func (e *Engine) Evaluate(req Request) (Decision, error) {
	if err := nameguard.KeyRef(req.KeyRef); err != nil {
		return DecisionDenied, agenterr.Wrap(agenterr.KindKeyRefValidation, "invalid key-ref", err)
	}

	// 1. No permission directory at all: implicit admin (bootstrap dev-mode).
	if _, err := os.Stat(e.PermissionDir); os.IsNotExist(err) {
		return DecisionAdmin, nil
	}

	path := e.PermissionDir + "/" + req.KeyRef + ".toml"
	raw, err := os.ReadFile(path) // #nosec G304 -- path built from a grammar-validated key-ref under a fixed root
	if err != nil {
		// 2. No file for this key-ref.
		if os.IsNotExist(err) {
			return DecisionDenied, nil
		}
		return DecisionDenied, err
	}

	var d doc
	// 3. TOML parse failure: denied, same as "no file".
	if err := toml.Unmarshal(raw, &d); err != nil {
		return DecisionDenied, nil
	}

	// 4. admin overrides everything.
	if d.Admin {
		return DecisionAdmin, nil
	}
	// 5. banned fails closed.
	if d.Banned {
		return DecisionBanned, nil
	}
	// 6. full-access: full and read everywhere.
	if d.FullAccess {
		return DecisionFull, nil
	}
	// 7. read-access: read everywhere.
	if d.ReadAccess {
		return DecisionRead, nil
	}

	// 8. container edition only: incus-wide access.
	if req.Edition == EditionContainer {
		if d.IncusFullAccess {
			return DecisionFull, nil
		}
		if d.IncusReadAccess {
			return DecisionRead, nil
		}
	}

	// 9. per-(scope,image) leaf.
	scope, ok := scopeFor(d, req)
	if !ok {
		return DecisionDenied, nil
	}
	if scope.FullAccess {
		return DecisionFull, nil
	}
	if scope.ReadAccess {
		return DecisionRead, nil
	}
	if containsString(scope.Permit, req.Image) {
		return DecisionFull, nil
	}
	if containsString(scope.PermitRead, req.Image) {
		return DecisionRead, nil
	}
	return DecisionDenied, nil
}

func scopeFor(d doc, req Request) (containerScope, bool) {
	if req.Edition == EditionMetal {
		return d.Metal, true
	}
	if req.Container == "" {
		return containerScope{}, false
	}
	scope, ok := d.Incus[req.Container]
	return scope, ok
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// MustBeAdmin reports whether decision satisfies an admin-only verb.
func MustBeAdmin(decision Decision) bool { return decision == DecisionAdmin }

// MustBeFull reports whether decision satisfies a full-or-admin verb.
func MustBeFull(decision Decision) bool {
	return decision == DecisionAdmin || decision == DecisionFull
}

// MustBeRead reports whether decision satisfies a read-or-above verb.
func MustBeRead(decision Decision) bool {
	return decision == DecisionAdmin || decision == DecisionFull || decision == DecisionRead
}

// Describe returns the {admin, full, read} pre-flight snapshot for a key-ref.
func (e *Engine) Describe(req Request) (Snapshot, error) {
	decision, err := e.Evaluate(req)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Admin: decision == DecisionAdmin,
		Full:  decision == DecisionAdmin || decision == DecisionFull,
		Read:  MustBeRead(decision),
	}, nil
}

// BootstrapWarning returns a non-empty warning line when PermissionDir is
// absent, so the dev-mode admin bootstrap branch never passes silently.
func (e *Engine) BootstrapWarning() string {
	if _, err := os.Stat(e.PermissionDir); os.IsNotExist(err) {
		return "no permission directory at " + strings.TrimSuffix(e.PermissionDir, "/") + ": every key-ref is treated as admin until a policy file is provisioned"
	}
	return ""
}

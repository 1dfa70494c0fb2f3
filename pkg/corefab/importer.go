package corefab

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ModuleRecord is a cached remote module: its (possibly package) children
// list, a diagnostic source path, and its decompressed source.
type ModuleRecord struct {
	IsPackage  bool
	Children   []string
	SourcePath string
	Source     []byte
}

// LocalResolver is supplied by the embedding program to answer "does a
// module of this name already exist locally", the closest Go analogue of
// querying the host language's own import subsystem, which the
// find_module policy consults before ever claiming ownership of a name.
type LocalResolver func(fullname string) (found bool)

// Importer is a remote module loader: an in-memory cache keyed by fully
// qualified module name, seeded with the bootstrap core source itself so a
// child re-serving descendants can satisfy its own module without a
// network round-trip.
type Importer struct {
	parent   *Context
	resolver LocalResolver

	mu            sync.Mutex
	cache         map[string]*ModuleRecord
	knownChildren map[string][]string // package fullname -> its declared submodule names
	loadedByUs    map[string]bool     // packages this Importer itself installed

	recursing sync.Map // fullname -> struct{}, reentry guard for FindModule
}

// NewImporter constructs an Importer that fetches unknown modules from
// parent via the reserved GET_MODULE (100) handle. resolver may be nil if
// the embedding program has no local resolution concept; FindModule then
// claims ownership of every name not ruled out by its parent-package
// checks or its reentrancy guard.
func NewImporter(parent *Context, resolver LocalResolver) *Importer {
	return &Importer{
		parent:        parent,
		resolver:      resolver,
		cache:         make(map[string]*ModuleRecord),
		knownChildren: make(map[string][]string),
		loadedByUs:    make(map[string]bool),
	}
}

// SeedCore installs name as already-loaded, bootstrap-supplied source,
// used to seed the importer with its own stripped-of-entrypoint source so
// descendants can re-fetch it without a further parent round trip.
func (im *Importer) SeedCore(name string, source []byte) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.cache[name] = &ModuleRecord{SourcePath: "master:" + name, Source: source}
	im.loadedByUs[name] = true
}

// FindModule implements the three-step module-resolution policy, guarded against
// re-entrant calls for the same fullname (the Go substitute for the
// original's thread-local recursion guard, since nothing here actually
// runs on more than one goroutine at a time per fullname by construction).
func (im *Importer) FindModule(fullname string) (claim bool) {
	if _, already := im.recursing.LoadOrStore(fullname, struct{}{}); already {
		return false
	}
	defer im.recursing.Delete(fullname)

	if parent, ok := splitParentPackage(fullname); ok {
		im.mu.Lock()
		children, knowsParent := im.knownChildren[parent]
		im.mu.Unlock()
		if knowsParent && !containsString(children, fullname) {
			return false // master told us the parent's full child list; this isn't in it
		}

		im.mu.Lock()
		parentLoadedByUs := im.loadedByUs[parent]
		_, parentLoaded := im.cache[parent]
		im.mu.Unlock()
		if parentLoaded && !parentLoadedByUs {
			return false // don't shadow a locally-installed parent package
		}
	}

	if im.resolver != nil && im.resolver(fullname) {
		return false // local import already satisfies this name
	}
	return true
}

// LoadModule returns the cached record for fullname if present; otherwise
// it blocks on a send_await to the parent's GET_MODULE (100) handle.
func (im *Importer) LoadModule(fullname string) (*ModuleRecord, error) {
	im.mu.Lock()
	if rec, ok := im.cache[fullname]; ok {
		im.mu.Unlock()
		return rec, nil
	}
	im.mu.Unlock()

	reply, err := im.parent.SendAwait(context.Background(), HandleGetModule, []byte(fullname), 60*time.Second)
	if err != nil {
		return nil, err
	}

	payload, err := DecodePayload(reply.Data)
	if err != nil {
		return nil, err
	}
	triple, ok := payload.([]interface{})
	if !ok || len(triple) != 3 {
		return nil, newImportError("importer: malformed GET_MODULE reply for %q", fullname)
	}
	if triple[0] == nil && triple[1] == nil && triple[2] == nil {
		return nil, newImportError("importer: master does not have %q", fullname)
	}

	sourcePath, _ := triple[1].(string)
	compressed, _ := triple[2].([]byte)
	source, err := decompressModuleSource(compressed)
	if err != nil {
		return nil, newImportError("importer: decompressing %q: %v", fullname, err)
	}

	rec := &ModuleRecord{SourcePath: "master:" + sourcePath, Source: source}
	if children, isPkg := triple[0].([]interface{}); isPkg {
		rec.IsPackage = true
		rec.Children = make([]string, 0, len(children))
		for _, c := range children {
			if s, ok := c.(string); ok {
				rec.Children = append(rec.Children, fullname+"."+s)
			}
		}
	}

	im.mu.Lock()
	im.cache[fullname] = rec
	im.loadedByUs[fullname] = true
	if rec.IsPackage {
		im.knownChildren[fullname] = rec.Children
	}
	im.mu.Unlock()
	return rec, nil
}

func decompressModuleSource(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}

// CompressModuleSource is the encode-side counterpart, used by a parent
// process answering GET_MODULE requests.
func CompressModuleSource(source []byte) []byte {
	return zstdEncoder.EncodeAll(source, make([]byte, 0, len(source)))
}

func splitParentPackage(fullname string) (parent string, ok bool) {
	i := strings.LastIndexByte(fullname, '.')
	if i < 0 {
		return "", false
	}
	return fullname[:i], true
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Package reconciler implements ConfigReconciler (spec.md §4.4, L4), the
// per-proxy idempotent sequence: load desired state, render, write,
// enable/disable, test, reload, update status. Grounded on the teacher's
// per-entity apply-loop services (internal/services), adapted from
// Mikrotik device pushes to nginx config file writes.
package reconciler

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/arcfence/controlplane/internal/configgen"
	"github.com/arcfence/controlplane/internal/cperrors"
	"github.com/arcfence/controlplane/internal/reloadmgr"
	"github.com/arcfence/controlplane/internal/store"
)

// Reconciler ties together Store, ConfigGen, and ReloadManager.
type Reconciler struct {
	store     *store.Store
	confDir   string
	reloadMgr *reloadmgr.Manager
}

// New constructs a Reconciler. confDir is the nginx conf/ directory
// (spec.md §6 filesystem layout).
func New(s *store.Store, confDir string, reloadMgr *reloadmgr.Manager) *Reconciler {
	return &Reconciler{store: s, confDir: confDir, reloadMgr: reloadMgr}
}

// Reconcile runs the full sequence for proxyID (spec.md §4.4 steps 1-7).
func (r *Reconciler) Reconcile(proxyID uint) error {
	var proxy store.Proxy
	if err := r.store.DB.First(&proxy, proxyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cperrors.NotFound("proxy %d not found", proxyID)
		}
		return cperrors.Internal(err, "load proxy %d", proxyID)
	}

	content, err := r.render(&proxy)
	if err != nil {
		r.markError(&proxy, err.Error())
		return err
	}

	filename := proxy.ConfigFilename
	if filename == "" {
		filename = configgen.ConfigFilename(proxy.ID, proxy.Name, time.Now().UnixMilli())
	}

	isNewFile := !r.fileExists(filename) && !r.fileExists(disabledName(filename))

	if err := r.writeWithBackup(filename, content); err != nil {
		if isNewFile {
			r.rollbackNewFile(filename)
		}
		r.markError(&proxy, err.Error())
		return err
	}

	if err := r.setEnabled(filename, proxy.Enabled); err != nil {
		if isNewFile {
			r.rollbackNewFile(filename)
		}
		r.markError(&proxy, err.Error())
		return err
	}

	reloadID := r.reloadMgr.QueueReload()

	proxy.ConfigFilename = filename
	proxy.ConfigStatus = store.ConfigStatusActive
	proxy.ConfigError = ""
	if err := r.store.DB.Model(&store.Proxy{}).Where("id = ?", proxy.ID).
		Updates(map[string]any{
			"config_filename": proxy.ConfigFilename,
			"config_status":   proxy.ConfigStatus,
			"config_error":    "",
		}).Error; err != nil {
		return cperrors.Internal(err, "persist config status for proxy %d", proxy.ID)
	}

	log.Printf("[reconciler] proxy %d reconciled, queued reload %d", proxy.ID, reloadID)
	return nil
}

// RegenerateMultiple reconciles every id's files (steps 1-5) then queues a
// single reload, accumulating per-item errors (spec.md §4.4 bulk variant).
func (r *Reconciler) RegenerateMultiple(ids []uint) (errs map[uint]error) {
	errs = make(map[uint]error)
	wroteAny := false

	for _, id := range ids {
		var proxy store.Proxy
		if err := r.store.DB.First(&proxy, id).Error; err != nil {
			errs[id] = cperrors.NotFound("proxy %d not found", id)
			continue
		}

		content, err := r.render(&proxy)
		if err != nil {
			errs[id] = err
			r.markError(&proxy, err.Error())
			continue
		}

		filename := proxy.ConfigFilename
		if filename == "" {
			filename = configgen.ConfigFilename(proxy.ID, proxy.Name, time.Now().UnixMilli())
		}
		isNewFile := !r.fileExists(filename) && !r.fileExists(disabledName(filename))

		if err := r.writeWithBackup(filename, content); err != nil {
			if isNewFile {
				r.rollbackNewFile(filename)
			}
			errs[id] = err
			r.markError(&proxy, err.Error())
			continue
		}
		if err := r.setEnabled(filename, proxy.Enabled); err != nil {
			if isNewFile {
				r.rollbackNewFile(filename)
			}
			errs[id] = err
			r.markError(&proxy, err.Error())
			continue
		}

		wroteAny = true
		r.store.DB.Model(&store.Proxy{}).Where("id = ?", proxy.ID).
			Updates(map[string]any{"config_filename": filename, "config_status": store.ConfigStatusActive, "config_error": ""})
	}

	if wroteAny {
		id := r.reloadMgr.QueueReload()
		log.Printf("[reconciler] bulk regenerate queued single reload %d for %d proxies", id, len(ids))
	}
	return errs
}

// render produces the nginx config body for proxy: raw advanced_config in
// custom-editor mode, else a ConfigGen render with SSL placeholders
// substituted (spec.md §4.4 steps 2-3).
func (r *Reconciler) render(proxy *store.Proxy) (string, error) {
	if proxy.IsCustomEditorMode() {
		return proxy.AdvancedConfig, nil
	}

	var assocs []store.ProxyModule
	if err := r.store.DB.Where("proxy_id = ?", proxy.ID).Order("id asc").Find(&assocs).Error; err != nil {
		return "", cperrors.Internal(err, "load module associations for proxy %d", proxy.ID)
	}

	named := make([]configgen.NamedModule, 0, len(assocs))
	for _, a := range assocs {
		var m store.Module
		if err := r.store.DB.First(&m, a.ModuleID).Error; err != nil {
			continue
		}
		named = append(named, configgen.NamedModule{AssociationID: a.ID, Module: m})
	}

	if proxy.SSLEnabled {
		hasForceHTTPS := false
		for _, nm := range named {
			if nm.Module.Name == configgen.ForceHTTPSModuleName {
				hasForceHTTPS = true
			}
		}
		if !hasForceHTTPS {
			var m store.Module
			if err := r.store.DB.Where("name = ?", configgen.ForceHTTPSModuleName).First(&m).Error; err == nil {
				named = append(named, configgen.NamedModule{Module: m})
			}
		}
	}

	var wafProfile *store.WAFProfile
	if proxy.WAFProfileID != nil {
		var p store.WAFProfile
		if err := r.store.DB.First(&p, *proxy.WAFProfileID).Error; err == nil {
			wafProfile = &p
		}
	}

	content, err := configgen.Render(configgen.Input{Proxy: *proxy, Modules: named, WAFProfile: wafProfile})
	if err != nil {
		return "", cperrors.Internal(err, "render config for proxy %d", proxy.ID)
	}

	if proxy.SSLEnabled {
		if proxy.SSLCertID == nil {
			log.Printf("[reconciler] proxy %d has ssl_enabled but no cert assigned; emitting placeholders so nginx -t catches it", proxy.ID)
		} else {
			var cert store.Cert
			if err := r.store.DB.First(&cert, *proxy.SSLCertID).Error; err == nil {
				content = strings.ReplaceAll(content, configgen.SSLCertPlaceholder, cert.CertPath)
				content = strings.ReplaceAll(content, configgen.SSLKeyPlaceholder, cert.KeyPath)
			} else {
				log.Printf("[reconciler] proxy %d references missing cert %d", proxy.ID, *proxy.SSLCertID)
			}
		}
	}

	return content, nil
}

func (r *Reconciler) activePath(filename string) string {
	return filepath.Join(r.confDir, filename)
}

func disabledName(filename string) string {
	return strings.TrimSuffix(filename, ".conf") + ".disabled"
}

func (r *Reconciler) fileExists(filename string) bool {
	_, err := os.Stat(r.activePath(filename))
	return err == nil
}

// writeWithBackup snapshots an existing file to <file>.backup.<epoch-ms>
// before an atomic write-to-temp + rename (spec.md §4.4 step 4, §5 "write
// to temp + atomic rename within the same directory").
func (r *Reconciler) writeWithBackup(filename, content string) error {
	path := r.activePath(filename)
	disabledPath := filepath.Join(r.confDir, disabledName(filename))

	target := path
	if _, err := os.Stat(disabledPath); err == nil {
		target = disabledPath
	}

	if _, err := os.Stat(target); err == nil {
		backupPath := fmt.Sprintf("%s.backup.%d", target, time.Now().UnixMilli())
		if err := copyFile(target, backupPath); err != nil {
			return cperrors.Internal(err, "backup existing config %s", target)
		}
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return cperrors.ExternalFailure(err, "write temp config file %s", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		return cperrors.ExternalFailure(err, "rename temp config file to %s", target)
	}
	return nil
}

// setEnabled renames between <name>.conf and <name>.disabled to reflect
// proxy.Enabled (spec.md §4.4 step 5).
func (r *Reconciler) setEnabled(filename string, enabled bool) error {
	activePath := r.activePath(filename)
	disabledPath := filepath.Join(r.confDir, disabledName(filename))

	activeExists := fileStat(activePath)
	disabledExists := fileStat(disabledPath)

	switch {
	case enabled && disabledExists && !activeExists:
		return os.Rename(disabledPath, activePath)
	case !enabled && activeExists && !disabledExists:
		return os.Rename(activePath, disabledPath)
	default:
		return nil
	}
}

func fileStat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// rollbackNewFile deletes a just-created file on failure, per spec.md §7's
// "attempts rollback (delete the file it just created for new proxies)".
// Update failures intentionally leave the existing good file in place
// (backup already on disk) — see spec.md §9 Open Questions.
func (r *Reconciler) rollbackNewFile(filename string) {
	_ = os.Remove(r.activePath(filename))
	_ = os.Remove(filepath.Join(r.confDir, disabledName(filename)))
}

func (r *Reconciler) markError(proxy *store.Proxy, message string) {
	r.store.DB.Model(&store.Proxy{}).Where("id = ?", proxy.ID).
		Updates(map[string]any{"config_status": store.ConfigStatusError, "config_error": message})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

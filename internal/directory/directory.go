// Package directory 维护角色名到智能体地址的持久映射，并支持通过远程目录按标签发现智能体。
package directory

import (
	"log/slog"
	"maps"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/storage/jsonfile"
	"CryptoReason-Chain/pkg/logger"
)

// CodeRoleNotFound 表示角色尚未登记。
const CodeRoleNotFound xerrors.Code = "ROLE_NOT_FOUND"

func init() {
	xerrors.Register(CodeRoleNotFound, xerrors.Attributes{
		Message:  "role not registered",
		Severity: xerrors.SeverityWarning,
	})
}

// ErrRoleNotFound 在角色不存在时返回。
var ErrRoleNotFound = xerrors.New(CodeRoleNotFound, "")

// Entry 是目录中的一条记录。
type Entry struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

// Config 描述目录的持久化路径与远程发现参数。
type Config struct {
	Path         string
	DiscoveryURL string
	APIKey       string
	Timeout      time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	HTTPClient   *http.Client
}

// Directory 是并发安全的角色目录。
type Directory struct {
	mu        sync.RWMutex
	persistMu sync.Mutex
	path      string
	entries   map[string]string

	discoveryURL string
	apiKey       string
	httpClient   *http.Client
	attempts     int
	delay        time.Duration
	log          *slog.Logger
}

// New 创建目录并加载已有的持久化文件。
func New(cfg Config) (*Directory, error) {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	d := &Directory{
		path:         cfg.Path,
		entries:      make(map[string]string),
		discoveryURL: cfg.DiscoveryURL,
		apiKey:       cfg.APIKey,
		httpClient:   client,
		attempts:     attempts,
		delay:        delay,
		log:          logger.Named("directory"),
	}
	if d.path != "" {
		var stored map[string]string
		if _, err := jsonfile.Read(d.path, &stored); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载服务目录失败")
		}
		for role, addr := range stored {
			d.entries[normalize(role)] = addr
		}
	}
	return d, nil
}

func normalize(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// Resolve 返回角色对应的地址，角色名大小写不敏感。
func (d *Directory) Resolve(role string) (string, error) {
	d.mu.RLock()
	addr, ok := d.entries[normalize(role)]
	d.mu.RUnlock()
	if !ok {
		return "", xerrors.New(CodeRoleNotFound, "", xerrors.WithMetadata("role", normalize(role)))
	}
	return addr, nil
}

// Register 登记或覆盖一个角色并立即持久化。持久化失败只记录日志，内存中的登记仍然生效。
func (d *Directory) Register(role, address string) {
	key := normalize(role)
	d.mu.Lock()
	d.entries[key] = address
	d.mu.Unlock()

	d.log.Info("登记服务", slog.String("role", key), slog.String("address", address))
	d.persist()
}

// Entries 返回按角色名排序的快照。
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for role, addr := range d.entries {
		out = append(out, Entry{Role: role, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

func (d *Directory) persist() {
	if d.path == "" {
		return
	}
	// 快照在 persistMu 内获取，后写入的文件总是更新的状态。
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	d.mu.RLock()
	snapshot := maps.Clone(d.entries)
	d.mu.RUnlock()
	if err := jsonfile.Write(d.path, snapshot); err != nil {
		d.log.Error("持久化服务目录失败", slog.String("path", d.path), slog.Any("error", err))
	}
}

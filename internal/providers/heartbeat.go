package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// 心率文件中的时间戳没有时区，按 UTC 解析。
const heartbeatLayout = "2006-01-02T15:04:05"

// Reading 是一条心率读数。
type Reading struct {
	DateTime string `json:"dateTime"`
	Value    struct {
		BPM        int `json:"bpm"`
		Confidence int `json:"confidence"`
	} `json:"value"`
}

// Heartbeat 根据最近的心率决定本周期是否允许交易。
type Heartbeat struct {
	path      string
	window    time.Duration
	threshold int
	replier   Replier
	now       func() time.Time
	log       *slog.Logger
}

// NewHeartbeat 创建心跳提供方。
func NewHeartbeat(cfg config.HeartbeatConfig, replier Replier) *Heartbeat {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 100
	}
	window := cfg.Window.Duration
	if window <= 0 {
		window = 10 * time.Hour
	}
	return &Heartbeat{
		path:      cfg.DataPath,
		window:    window,
		threshold: threshold,
		replier:   replier,
		now:       time.Now,
		log:       logger.Named("heartbeat"),
	}
}

// Register 登记 Heartbeat 处理函数。
func (h *Heartbeat) Register(rt *runtime.Runtime) {
	runtime.On(rt, h.HandleHeartbeat)
}

// HandleHeartbeat 只应答 ready 询问，其余状态忽略。
func (h *Heartbeat) HandleHeartbeat(ctx context.Context, env transport.Envelope, msg protocol.Heartbeat) error {
	if msg.Status != protocol.StatusReady {
		h.log.Debug("忽略非 ready 的心跳消息", slog.String("status", msg.Status), slog.String("sender", env.Sender))
		return nil
	}
	status, err := h.Evaluate()
	return answer(ctx, h.replier, h.log, env, protocol.Heartbeat{Status: status}, err)
}

// Evaluate 读取心率文件，窗口内任一读数超过阈值返回 stop，否则返回 continue。
func (h *Heartbeat) Evaluate() (string, error) {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeProviderFailure, err, "读取心率数据失败", xerrors.WithRetryable(false))
	}
	var readings []Reading
	if err := json.Unmarshal(raw, &readings); err != nil {
		return "", xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析心率数据失败", xerrors.WithRetryable(false))
	}
	return h.evaluate(readings)
}

func (h *Heartbeat) evaluate(readings []Reading) (string, error) {
	since := h.now().UTC().Add(-h.window)
	considered, peak := 0, 0
	for _, r := range readings {
		at, err := time.ParseInLocation(heartbeatLayout, r.DateTime, time.UTC)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("无效的心率时间 %q", r.DateTime))
		}
		if at.Before(since) {
			continue
		}
		considered++
		if r.Value.BPM > peak {
			peak = r.Value.BPM
		}
	}
	status := protocol.StatusContinue
	if peak > h.threshold {
		status = protocol.StatusStop
	}
	h.log.Info("心率评估完成",
		slog.Int("readings", considered),
		slog.Int("peak_bpm", peak),
		slog.String("status", status))
	return status, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/api/cardata"
	"github.com/langchou/carbridge/internal/models"
)

// 远程命令
const (
	RemotePath   = "remotev2"
	ForceRefresh = "force-refresh"
)

// 错误定义
var (
	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrNoAccount      = errors.New("no account for vehicle")
)

type remoteCommand struct {
	name  string
	title string
}

var remoteCommands = []remoteCommand{
	{name: "door-lock"},
	{name: "door-unlock"},
	{name: "horn-blow"},
	{name: "light-flash"},
	{name: "vehicle-finder"},
	{name: "climate-now_START"},
	{name: "climate-now_STOP"},
	{name: ForceRefresh, title: "Force Refresh"},
}

// ParseCommand 拆分 X_ACTION 形式的命令名
func ParseCommand(name string) (command, action string) {
	command, action, _ = strings.Cut(name, "_")
	return command, action
}

// onChange 存储变更回调：未确认的写入转换为远程命令，确认的写入用于派生值
func (s *BridgeService) onChange(c models.Change) {
	if c.Ack {
		s.onAcknowledged(c)
		return
	}
	s.goTracked(func(ctx context.Context) {
		s.handleWrite(ctx, c)
	})
}

// handleWrite 处理用户写入
func (s *BridgeService) handleWrite(ctx context.Context, c models.Change) {
	segs := strings.Split(c.Path, ".")
	if len(segs) != 3 || segs[1] != RemotePath {
		s.logger.Warn("Please use remotev2 to control", zap.String("path", c.Path))
		return
	}
	vin, name := segs[0], segs[2]

	if name == ForceRefresh {
		s.logger.Info("Force refresh", zap.String("vin", vin))
		s.TriggerRefresh()
		return
	}

	command, action := ParseCommand(name)
	switch v := c.Value.(type) {
	case bool:
		if !v {
			return
		}
	case string:
		if v != "" && action == "" && !strings.EqualFold(v, "true") {
			action = v
		}
	case nil:
		return
	}

	cmd := models.PendingCommand{
		VIN:      vin,
		Command:  command,
		Action:   action,
		IssuedAt: s.clock.Now(),
	}
	if _, err := s.Dispatch(ctx, cmd); err != nil {
		s.logger.Error("Remote command failed",
			zap.String("vin", vin),
			zap.String("command", command),
			zap.String("action", action),
			zap.Error(err))
	}
}

// Dispatch 提交远程命令并返回事件 ID
// 执行结果在后台查询，只记录日志；提交成功后安排一次刷新
func (s *BridgeService) Dispatch(ctx context.Context, cmd models.PendingCommand) (string, error) {
	acc, err := s.accountFor(cmd.VIN)
	if err != nil {
		s.metrics.Command(cmd.Command, "rejected")
		return "", err
	}

	s.logger.Info("Sending remote command",
		zap.String("vin", cmd.VIN),
		zap.String("command", cmd.Command),
		zap.String("action", cmd.Action))

	var resp *cardata.CommandResponse
	err = s.serialized(ctx, func() error {
		var err error
		resp, err = acc.Client.PostCommand(ctx, cmd.VIN, cmd.Command, cmd.Action)
		return err
	})
	if err != nil {
		s.metrics.Command(cmd.Command, "failed")
		if errors.Is(err, cardata.ErrUnauthorized) {
			acc.Session.ReportAuthFailure("remote command returned 401")
		}
		return "", err
	}
	s.metrics.Command(cmd.Command, "sent")
	s.logger.Debug("Remote command accepted",
		zap.String("vin", cmd.VIN),
		zap.String("command", cmd.Command),
		zap.String("event_id", resp.EventID))

	if resp.EventID != "" && s.cfg.CommandStatusPolls > 0 {
		s.goTracked(func(ctx context.Context) {
			s.followCommand(ctx, acc, cmd, resp.EventID)
		})
	}
	s.RefreshAfter(s.cfg.RefreshAfterCommand)
	return resp.EventID, nil
}

// followCommand 有限次查询命令执行状态
func (s *BridgeService) followCommand(ctx context.Context, acc Account, cmd models.PendingCommand, eventID string) {
	fields := []zap.Field{
		zap.String("vin", cmd.VIN),
		zap.String("command", cmd.Command),
		zap.String("event_id", eventID),
	}

	status := string(models.CommandUnknown)
	for i := 0; i < s.cfg.CommandStatusPolls; i++ {
		if err := s.sleep(ctx, s.cfg.CommandStatusDelay); err != nil {
			return
		}
		var resp *cardata.EventStatus
		err := s.serialized(ctx, func() error {
			var err error
			resp, err = acc.Client.CommandStatus(ctx, eventID)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("Failed to query command status", append(fields, zap.Error(err))...)
			continue
		}
		status = resp.EventStatus
		if models.CommandStatus(status) != models.CommandRunning {
			break
		}
	}

	switch models.CommandStatus(status) {
	case models.CommandExecuted:
		s.metrics.Command(cmd.Command, "executed")
		s.logger.Info("Remote command executed", fields...)
	case models.CommandRunning, models.CommandUnknown:
		s.logger.Info("Remote command still pending", append(fields, zap.String("status", status))...)
	default:
		s.metrics.Command(cmd.Command, "failed")
		s.logger.Warn("Remote command not executed", append(fields, zap.String("status", status))...)
	}
}

// serialized 命令相关调用与轮询周期共用串行锁和限速
func (s *BridgeService) serialized(ctx context.Context, fn func() error) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}

// accountFor 找到发现该车辆的身份
func (s *BridgeService) accountFor(vin string) (Account, error) {
	v, ok := s.vehicles.Get(vin)
	if !ok {
		return Account{}, fmt.Errorf("%s: %w", vin, ErrUnknownVehicle)
	}
	for _, acc := range s.accounts {
		if acc.Session.Name() == v.Identity {
			return acc, nil
		}
	}
	return Account{}, fmt.Errorf("%s: %w", vin, ErrNoAccount)
}

// onAcknowledged 充电状态不再是 CHARGING 时剩余充电时间归零
func (s *BridgeService) onAcknowledged(c models.Change) {
	if !strings.HasSuffix(c.Path, ".chargingStatus") {
		return
	}
	if status, _ := c.Value.(string); status == "CHARGING" {
		return
	}
	vin, _, _ := strings.Cut(c.Path, ".")
	if _, ok := s.vehicles.Get(vin); !ok {
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	path := vin + ".status.chargingTimeRemaining"
	if err := s.flattener.EnsureParents(ctx, path); err != nil {
		s.logger.Warn("Failed to reset charging time", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := s.store.EnsureNode(ctx, path, models.KindLeaf, models.Metadata{
		Name: "chargingTimeRemaining",
		Role: models.RoleValue,
		Type: models.TypeNumber,
		Read: true,
	}); err != nil {
		s.logger.Warn("Failed to reset charging time", zap.String("path", path), zap.Error(err))
		return
	}
	s.flattener.Created().Mark(path, models.KindLeaf)
	if err := s.store.SetValue(ctx, path, 0, true); err != nil {
		s.logger.Warn("Failed to reset charging time", zap.String("path", path), zap.Error(err))
	}
}

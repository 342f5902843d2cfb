package service

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/api/cardata"
	"github.com/langchou/carbridge/internal/flatten"
	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/session"
)

// StreamPath 推送数据在车辆命名空间下的子树
const StreamPath = "stream"

// Refresher 推送凭证被拒绝时刷新会话，凭证更新后通知重建连接
type Refresher interface {
	Refresh(ctx context.Context) error
	OnRotate(fn func(session.Credential))
}

type streamLink struct {
	identity string
	client   *cardata.StreamingClient
}

// AttachStream 将推送客户端接入服务，Start 时连接，Stop 时关闭
func (s *BridgeService) AttachStream(identity string, client *cardata.StreamingClient, sess Refresher) {
	client.SetCallbacks(cardata.StreamingCallbacks{
		OnMessage: func(msg *cardata.StreamMessage) {
			s.mu.Lock()
			ctx := s.runCtx
			s.mu.Unlock()
			s.HandleStreamMessage(ctx, identity, msg)
		},
		OnConnect: func() {
			s.metrics.SetStreamConnected(true)
		},
		OnDisconnect: func(err error) {
			s.metrics.SetStreamConnected(false)
		},
		OnAuthError: func(err error) {
			s.logger.Warn("Stream credential rejected, refreshing session",
				zap.String("identity", identity),
				zap.Error(err))
			s.goTracked(func(ctx context.Context) {
				// 刷新失败时会话自行安排重新登录，成功后同样触发重建
				if err := sess.Refresh(ctx); err != nil {
					s.logger.Warn("Session refresh after stream auth error failed", zap.Error(err))
				}
			})
		},
	})
	sess.OnRotate(func(session.Credential) {
		s.logger.Info("Credential rotated, rebuilding stream", zap.String("identity", identity))
		client.Rebuild()
	})

	s.mu.Lock()
	s.streams = append(s.streams, &streamLink{identity: identity, client: client})
	s.mu.Unlock()
}

// HandleStreamMessage 把一条推送消息展开到 <vin>.stream 下
// 数据键按点分隔成层级，单个数据点失败不影响其它数据点
func (s *BridgeService) HandleStreamMessage(ctx context.Context, identity string, msg *cardata.StreamMessage) {
	if msg == nil || msg.VIN == "" {
		s.metrics.StreamMessage("invalid")
		return
	}

	if _, ok := s.vehicles.Get(msg.VIN); !ok {
		v, _ := s.vehicles.Upsert(models.Vehicle{
			VIN:          msg.VIN,
			DisplayName:  msg.VIN,
			Identity:     identity,
			DiscoveredAt: s.clock.Now(),
		})
		s.logger.Info("Registered vehicle from stream", zap.String("vin", v.VIN), zap.String("identity", identity))
		if err := s.ensureVehicleNodes(ctx, v); err != nil {
			s.metrics.StreamMessage("failed")
			s.logger.Error("Failed to register streamed vehicle", zap.String("vin", v.VIN), zap.Error(err))
			return
		}
	}

	data := gjson.ParseBytes(msg.Data)
	if !data.IsObject() {
		s.metrics.StreamMessage("invalid")
		s.logger.Warn("Stream message without data object",
			zap.String("vin", msg.VIN),
			zap.String("topic", msg.Topic),
			zap.String("data", string(msg.Data)))
		return
	}

	base := msg.VIN + "." + StreamPath
	if err := s.flattener.EnsureContainer(ctx, base, "Streaming data"); err != nil {
		s.metrics.StreamMessage("failed")
		s.logger.Error("Failed to create stream channel", zap.String("path", base), zap.Error(err))
		return
	}

	outcome := "ok"
	data.ForEach(func(key, value gjson.Result) bool {
		rel := streamKeyPath(key.String())
		if rel == "" {
			return true
		}
		path := base + "." + rel
		err := s.flattener.EnsureParents(ctx, path)
		if err == nil {
			err = s.flattener.FlattenResult(ctx, path, value, flatten.Options{
				ChannelName: s.flattener.Describe(key.String()),
			})
		}
		if err != nil {
			outcome = "partial"
			s.metrics.FlattenError("stream")
			s.logger.Warn("Failed to flatten stream data point",
				zap.String("vin", msg.VIN),
				zap.String("key", key.String()),
				zap.Error(err))
		}
		return true
	})
	s.metrics.StreamMessage(outcome)
}

// streamKeyPath 点分隔的数据点名转换为相对路径，丢弃空段
func streamKeyPath(key string) string {
	segs := strings.FieldsFunc(key, func(r rune) bool { return r == '.' })
	return strings.Join(segs, ".")
}

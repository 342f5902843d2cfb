package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/api/cardata"
	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/session"
)

// 存储路径
const (
	QuotaRemainingPath = session.InfoPath + ".quotaRemaining"
)

// ErrSessionExpired 调用返回 401，本身份本周期剩余调用被放弃
var ErrSessionExpired = errors.New("session expired during poll cycle")

// fetchFunc 一次 REST 调用
type fetchFunc func(ctx context.Context) ([]byte, error)

// PollOnce 执行一个完整的轮询周期：按身份、品牌列出车辆，再逐车逐端点调用
// 所有调用严格串行，单个端点或车辆的失败不影响其它调用
func (s *BridgeService) PollOnce(ctx context.Context, includeDaily bool) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.clock.Now()
	var cycleErr error
	for _, acc := range s.accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.pollAccount(ctx, acc, includeDaily); err != nil {
			s.logger.Warn("Poll cycle aborted for identity",
				zap.String("identity", acc.Session.Name()),
				zap.Error(err))
			cycleErr = err
		}
	}

	outcome := "ok"
	if cycleErr != nil {
		outcome = "aborted"
	}
	s.metrics.ObserveCycle(outcome, s.clock.Since(start).Seconds())
	return cycleErr
}

// PollDaily 只调用每日端点
func (s *BridgeService) PollDaily(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.logger.Info("Running daily update")
	for _, acc := range s.accounts {
		vehicles := s.vehicles.ForIdentity(acc.Session.Name())
		if err := s.pollEndpoints(ctx, acc, vehicles, func(ep Endpoint) bool { return ep.Daily }); err != nil {
			s.logger.Warn("Daily update aborted for identity",
				zap.String("identity", acc.Session.Name()),
				zap.Error(err))
		}
	}
}

func (s *BridgeService) pollAccount(ctx context.Context, acc Account, includeDaily bool) error {
	// 登录完成前不消耗配额
	if _, err := acc.Session.AccessToken(); err != nil {
		s.logger.Warn("No valid session, skipping identity", zap.String("identity", acc.Session.Name()), zap.Error(err))
		return nil
	}

	for _, brand := range s.cfg.Brands {
		s.logger.Debug("Start getting vehicles", zap.String("brand", brand), zap.String("identity", acc.Session.Name()))

		var list []cardata.Vehicle
		_, err := s.call(ctx, acc, "vehicles", false, func(ctx context.Context) ([]byte, error) {
			var err error
			list, err = acc.Client.ListVehicles(ctx, brand, s.clock.Now())
			return nil, err
		})
		if errors.Is(err, ErrSessionExpired) || ctx.Err() != nil {
			return err
		}
		if err != nil {
			continue
		}

		for _, v := range list {
			if err := s.registerVehicle(ctx, acc, brand, v); err != nil {
				s.logger.Error("Failed to register vehicle", zap.String("vin", v.VIN), zap.Error(err))
			}
		}
	}

	vehicles := s.vehicles.ForIdentity(acc.Session.Name())
	return s.pollEndpoints(ctx, acc, vehicles, func(ep Endpoint) bool {
		return includeDaily || !ep.Daily
	})
}

// pollEndpoints 逐车逐端点调用，401 时立即返回
func (s *BridgeService) pollEndpoints(ctx context.Context, acc Account, vehicles []models.Vehicle, want func(Endpoint) bool) error {
	for _, v := range vehicles {
		for _, ep := range s.cfg.Endpoints {
			if !want(ep) {
				continue
			}
			if ep.History && s.historyUnavailable(v.VIN, ep.Name) {
				continue
			}
			err := s.fetchEndpoint(ctx, acc, v, ep)
			if errors.Is(err, ErrSessionExpired) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// fetchEndpoint 调用端点并展开结果
func (s *BridgeService) fetchEndpoint(ctx context.Context, acc Account, v models.Vehicle, ep Endpoint) error {
	now := s.clock.Now()
	path := ep.URLPath(v.VIN)

	var query url.Values
	if ep.Query != nil {
		query = ep.Query(v.VIN, now)
	}

	data, err := s.call(ctx, acc, ep.Name, ep.LowPriority, func(ctx context.Context) ([]byte, error) {
		return acc.Client.Fetch(ctx, path, query, v.Brand)
	})
	if err != nil {
		if ep.History && cardata.StatusCode(err) != 0 && !errors.Is(err, ErrSessionExpired) {
			s.logger.Info("No history available, ignoring until restart",
				zap.String("vin", v.VIN),
				zap.String("endpoint", ep.Name))
			s.markHistoryUnavailable(v.VIN, ep.Name)
		}
		return err
	}

	if !gjson.ValidBytes(data) {
		s.metrics.FlattenError("poll")
		s.logger.Warn("Endpoint returned invalid JSON",
			zap.String("vin", v.VIN),
			zap.String("endpoint", ep.Name),
			zap.String("body", string(data)))
		return nil
	}
	s.logger.Debug("Endpoint response",
		zap.String("vin", v.VIN),
		zap.String("endpoint", ep.Name),
		zap.String("body", string(data)))

	doc := gjson.ParseBytes(data)
	if ep.Unwrap != "" {
		if inner := doc.Get(ep.Unwrap); inner.Exists() {
			doc = inner
		}
	}

	base := ep.BasePath(v.VIN, now)
	if err := s.flattener.EnsureParents(ctx, base); err != nil {
		s.metrics.FlattenError("poll")
		s.logger.Error("Failed to create endpoint parents", zap.String("path", base), zap.Error(err))
		return nil
	}
	if ep.Channel != "" {
		if err := s.flattener.EnsureContainer(ctx, base, ep.Channel); err != nil {
			s.metrics.FlattenError("poll")
			s.logger.Error("Failed to create endpoint channel", zap.String("path", base), zap.Error(err))
			return nil
		}
	}

	opts := ep.Options
	if opts.ChannelName == "" {
		opts.ChannelName = ep.Channel
	}
	if err := s.flattener.FlattenResult(ctx, base, doc, opts); err != nil {
		s.metrics.FlattenError("poll")
		s.logger.Error("Failed to flatten endpoint response",
			zap.String("vin", v.VIN),
			zap.String("endpoint", ep.Name),
			zap.Error(err))
	}
	return nil
}

// call 计入配额、限速并按状态码处理一次调用
func (s *BridgeService) call(ctx context.Context, acc Account, endpoint string, lowPriority bool, fn fetchFunc) ([]byte, error) {
	return s.callAttempt(ctx, acc, endpoint, lowPriority, fn, false)
}

func (s *BridgeService) callAttempt(ctx context.Context, acc Account, endpoint string, lowPriority bool, fn fetchFunc, retried bool) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if remaining := s.ledger.Remaining(); remaining <= 0 {
		s.logger.Warn("Daily quota exhausted, calling anyway",
			zap.String("endpoint", endpoint),
			zap.Int("used", s.ledger.Used()),
			zap.Int("limit", s.ledger.Limit()))
	}
	s.updateQuota(ctx, s.ledger.Record())

	data, err := fn(ctx)
	status := cardata.StatusCode(err)
	if err == nil {
		status = 200
	}
	s.metrics.ObserveCall(endpoint, status)
	if err == nil {
		return data, nil
	}

	fields := []zap.Field{
		zap.String("identity", acc.Session.Name()),
		zap.String("endpoint", endpoint),
		zap.Int("status", status),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, cardata.ErrRateLimited) && !retried:
		wait := s.cfg.RateLimitBackoff
		if lowPriority {
			wait = s.cfg.RateLimitBackoffLow
		}
		s.logger.Info("Rate limited, retrying once", append(fields, zap.Duration("backoff", wait))...)
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
		return s.callAttempt(ctx, acc, endpoint, lowPriority, fn, true)

	case errors.Is(err, cardata.ErrUnauthorized):
		s.logger.Warn("Access token rejected, aborting cycle", fields...)
		acc.Session.ReportAuthFailure(endpoint + " returned 401")
		return nil, fmt.Errorf("%s: %w", endpoint, ErrSessionExpired)

	case errors.Is(err, cardata.ErrForbidden):
		s.logger.Warn("Access forbidden, skipping call", fields...)

	case errors.Is(err, cardata.ErrRateLimited):
		s.logger.Warn("Still rate limited after retry, skipping call", fields...)

	default:
		s.logger.Error("Call failed", fields...)
	}
	return nil, err
}

// updateQuota 更新剩余配额指示
func (s *BridgeService) updateQuota(ctx context.Context, remaining int) {
	s.metrics.SetQuotaRemaining(remaining)

	if _, err := s.store.EnsureNode(ctx, session.InfoPath, models.KindContainer, models.Metadata{Name: "Information", Read: true}); err != nil {
		s.logger.Warn("Failed to create info node", zap.Error(err))
		return
	}
	if _, err := s.store.EnsureNode(ctx, QuotaRemainingPath, models.KindLeaf, models.Metadata{
		Name: "Remaining API calls in the last 24h",
		Role: models.RoleValue,
		Type: models.TypeNumber,
		Read: true,
	}); err != nil {
		s.logger.Warn("Failed to create quota node", zap.Error(err))
		return
	}
	if err := s.store.SetValue(ctx, QuotaRemainingPath, remaining, true); err != nil {
		s.logger.Warn("Failed to update quota", zap.Error(err))
	}
}

func (s *BridgeService) historyUnavailable(vin, endpoint string) bool {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return s.noHistory[vin+"/"+endpoint]
}

func (s *BridgeService) markHistoryUnavailable(vin, endpoint string) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.noHistory[vin+"/"+endpoint] = true
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/api/cardata"
	"github.com/langchou/carbridge/internal/flatten"
	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
)

// 旧版本遗留的子树，存在 <vin>.apiV2 时启动清理
var (
	legacySubtrees = []string{
		"statusv1",
		"lastTrip",
		"allTrips",
		"status",
		"chargingprofile",
		"serviceExecutionHistory",
		"apiV2",
		"remote",
	}
	legacyRootStates = []string{"_DatenNeuLaden", "_LetzterDatenabrufOK", "_LetzerFehler"}
)

// VehicleRegistry VIN 到车辆信息的映射
type VehicleRegistry struct {
	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
}

// NewVehicleRegistry 创建车辆注册表
func NewVehicleRegistry() *VehicleRegistry {
	return &VehicleRegistry{vehicles: make(map[string]models.Vehicle)}
}

// Upsert 注册或更新车辆，返回是否首次出现
// VIN 在进程内不变，显示名称和能力随新数据更新
func (r *VehicleRegistry) Upsert(v models.Vehicle) (models.Vehicle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.vehicles[v.VIN]
	if !ok {
		r.vehicles[v.VIN] = v
		return v, true
	}
	if v.DisplayName != "" {
		existing.DisplayName = v.DisplayName
	}
	if v.Brand != "" {
		existing.Brand = v.Brand
	}
	if existing.Identity == "" {
		existing.Identity = v.Identity
	}
	if len(v.Capabilities) > 0 {
		existing.Capabilities = v.Capabilities
	}
	r.vehicles[v.VIN] = existing
	return existing, false
}

// Get 按 VIN 查找
func (r *VehicleRegistry) Get(vin string) (models.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vehicles[vin]
	return v, ok
}

// List 按 VIN 排序的所有车辆
func (r *VehicleRegistry) List() []models.Vehicle {
	r.mu.RLock()
	list := lo.Values(r.vehicles)
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].VIN < list[j].VIN })
	return list
}

// ForIdentity 由指定身份发现的车辆
func (r *VehicleRegistry) ForIdentity(identity string) []models.Vehicle {
	return lo.Filter(r.List(), func(v models.Vehicle, _ int) bool {
		return v.Identity == identity
	})
}

// Len 车辆数量
func (r *VehicleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vehicles)
}

// registerVehicle 注册车辆并把列表条目展开到 VIN 命名空间
func (s *BridgeService) registerVehicle(ctx context.Context, acc Account, brand string, v cardata.Vehicle) error {
	vehicle, isNew := s.vehicles.Upsert(models.Vehicle{
		VIN:          v.VIN,
		DisplayName:  v.Model,
		Brand:        lo.Ternary(v.Brand != "", v.Brand, brand),
		Identity:     acc.Session.Name(),
		Capabilities: v.Capabilities,
		DiscoveredAt: s.clock.Now(),
	})

	if isNew {
		s.logger.Info("Discovered vehicle",
			zap.String("vin", vehicle.VIN),
			zap.String("name", vehicle.DisplayName),
			zap.String("brand", vehicle.Brand),
			zap.String("identity", vehicle.Identity))
		if err := s.cleanLegacy(ctx, vehicle.VIN); err != nil {
			s.logger.Warn("Failed to clean legacy states", zap.String("vin", vehicle.VIN), zap.Error(err))
		}
	}

	if err := s.ensureVehicleNodes(ctx, vehicle); err != nil {
		return err
	}

	if len(v.Raw) == 0 {
		return nil
	}
	err := s.flattener.FlattenResult(ctx, vehicle.VIN, gjson.ParseBytes(v.Raw), flatten.Options{
		ForceIndex:  true,
		ChannelName: vehicle.DisplayName,
	})
	if err != nil {
		s.metrics.FlattenError("vehicles")
		return fmt.Errorf("flatten vehicle %s: %w", vehicle.VIN, err)
	}
	return nil
}

// ensureVehicleNodes 创建车辆容器和远程命令点
func (s *BridgeService) ensureVehicleNodes(ctx context.Context, v models.Vehicle) error {
	created, err := s.store.EnsureNode(ctx, v.VIN, models.KindContainer, models.Metadata{Name: v.DisplayName, Read: true})
	if err != nil {
		return fmt.Errorf("vehicle %s: %w", v.VIN, err)
	}
	if !created && v.DisplayName != "" {
		if err := s.store.ExtendNode(ctx, v.VIN, models.Metadata{Name: v.DisplayName}); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.VIN, err)
		}
	}
	s.flattener.Created().Mark(v.VIN, models.KindContainer)

	remote := v.VIN + "." + RemotePath
	if err := s.flattener.EnsureContainer(ctx, remote, "Remote Controls"); err != nil {
		return fmt.Errorf("vehicle %s: %w", v.VIN, err)
	}
	for _, cmd := range remoteCommands {
		path := remote + "." + cmd.name
		if _, err := s.store.EnsureNode(ctx, path, models.KindLeaf, models.Metadata{
			Name:  cmd.title,
			Role:  models.RoleButton,
			Type:  models.TypeBoolean,
			Read:  true,
			Write: true,
		}); err != nil {
			return fmt.Errorf("command %s: %w", path, err)
		}
		s.flattener.Created().Mark(path, models.KindLeaf)
	}
	return nil
}

// cleanLegacy 删除旧版本遗留的子树
func (s *BridgeService) cleanLegacy(ctx context.Context, vin string) error {
	if _, err := s.store.GetValue(ctx, vin+".apiV2"); err != nil {
		if errors.Is(err, repository.ErrNodeNotFound) {
			return nil
		}
		return err
	}

	s.logger.Debug("Clean old states", zap.String("vin", vin))
	var errs []error
	for _, sub := range legacySubtrees {
		path := vin + "." + sub
		if err := s.store.DeleteSubtree(ctx, path); err != nil {
			errs = append(errs, err)
			continue
		}
		s.flattener.Forget(path)
	}
	for _, path := range legacyRootStates {
		if err := s.store.DeleteSubtree(ctx, path); err != nil {
			errs = append(errs, err)
			continue
		}
		s.flattener.Forget(path)
	}
	return errors.Join(errs...)
}

package session

import (
	"context"

	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
	"go.uber.org/zap"
)

// 存储路径
const (
	SessionPath    = repository.PrivateRoot
	InfoPath       = "info"
	ConnectionPath = "info.connection"
)

// credentialPath 凭证在存储中的路径
func (m *Manager) credentialPath() string {
	return SessionPath + "." + m.cfg.Name
}

// persist 只在完整交换成功后写入序列化凭证
func (m *Manager) persist(ctx context.Context, cred Credential) {
	if m.store == nil {
		return
	}

	blob, err := Encode(cred)
	if err != nil {
		m.logger.Error("Failed to encode credential", zap.Error(err))
		return
	}

	if _, err := m.store.EnsureNode(ctx, SessionPath, models.KindContainer, models.Metadata{Name: "Session", Read: true}); err != nil {
		m.logger.Error("Failed to create session node", zap.Error(err))
		return
	}
	path := m.credentialPath()
	if _, err := m.store.EnsureNode(ctx, path, models.KindLeaf, models.Metadata{
		Name: m.cfg.Name + " credential",
		Role: models.RoleText,
		Type: models.TypeString,
		Read: true,
	}); err != nil {
		m.logger.Error("Failed to create credential node", zap.Error(err))
		return
	}
	if err := m.store.SetValue(ctx, path, blob, true); err != nil {
		m.logger.Error("Failed to persist credential", zap.Error(err))
	}
}

// loadPersisted 读取已保存的凭证
func (m *Manager) loadPersisted(ctx context.Context) (Credential, bool) {
	if m.store == nil {
		return Credential{}, false
	}

	n, err := m.store.GetValue(ctx, m.credentialPath())
	if err != nil {
		return Credential{}, false
	}
	blob, ok := n.Value.(string)
	if !ok || blob == "" {
		return Credential{}, false
	}

	cred, err := Decode(blob)
	if err != nil {
		m.logger.Warn("Ignoring persisted credential", zap.Error(err))
		return Credential{}, false
	}
	return cred, true
}

// setConnection 更新连接指示
func (m *Manager) setConnection(ctx context.Context, connected bool) {
	if m.store == nil || !m.cfg.TrackConnection {
		return
	}

	if _, err := m.store.EnsureNode(ctx, InfoPath, models.KindContainer, models.Metadata{Name: "Information", Read: true}); err != nil {
		m.logger.Warn("Failed to create info node", zap.Error(err))
		return
	}
	if _, err := m.store.EnsureNode(ctx, ConnectionPath, models.KindLeaf, models.Metadata{
		Name: "Device or service connected",
		Role: models.RoleIndicator,
		Type: models.TypeBoolean,
		Read: true,
	}); err != nil {
		m.logger.Warn("Failed to create connection node", zap.Error(err))
		return
	}
	if err := m.store.SetValue(ctx, ConnectionPath, connected, true); err != nil {
		m.logger.Warn("Failed to update connection state", zap.Error(err))
	}
}

package flatten

import (
	"context"
	"testing"

	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestFlattener(t *testing.T) (*Flattener, *repository.MemoryStore, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	store := repository.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return New(zap.New(core), store, DefaultCatalog()), store, logs
}

func value(t *testing.T, store repository.StateStore, path string) any {
	t.Helper()
	n, err := store.GetValue(context.Background(), path)
	require.NoError(t, err, path)
	return n.Value
}

func TestFlatten_FirstPoll(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	doc := `{
		"mileage": 12345,
		"doorLockState": "LOCKED",
		"charging": {"isChargerConnected": true, "chargingLevelHv": 80},
		"checkControlMessages": [
			{"type": "ENGINE_OIL", "severity": "LOW", "id": 3},
			{"type": "TIRE_PRESSURE", "severity": "LOW", "id": 7}
		]
	}`
	require.NoError(t, f.Flatten(ctx, "WBA123.statusv1", []byte(doc), Options{ChannelName: "status"}))

	root, err := store.GetValue(ctx, "WBA123.statusv1")
	require.NoError(t, err)
	assert.Equal(t, models.KindContainer, root.Kind)
	assert.Equal(t, "status", root.Meta.Name)

	mileage, err := store.GetValue(ctx, "WBA123.statusv1.mileage")
	require.NoError(t, err)
	assert.Equal(t, float64(12345), mileage.Value)
	assert.Equal(t, models.RoleValue, mileage.Meta.Role)
	assert.Equal(t, models.TypeNumber, mileage.Meta.Type)
	assert.Equal(t, "Kilometerstand", mileage.Meta.Name)
	assert.True(t, mileage.Ack)

	lock, err := store.GetValue(ctx, "WBA123.statusv1.doorLockState")
	require.NoError(t, err)
	assert.Equal(t, "LOCKED", lock.Value)
	assert.Equal(t, models.RoleText, lock.Meta.Role)
	assert.Contains(t, lock.Meta.States, "UNLOCKED")

	assert.Equal(t, true, value(t, store, "WBA123.statusv1.charging.isChargerConnected"))
	assert.Equal(t, "ENGINE_OIL", value(t, store, "WBA123.statusv1.checkControlMessages.3.type"))
	assert.Equal(t, "TIRE_PRESSURE", value(t, store, "WBA123.statusv1.checkControlMessages.7.type"))

	created := f.Created().Len()
	require.NoError(t, f.Flatten(ctx, "WBA123.statusv1", []byte(`{"mileage": 12400, "doorLockState": "UNLOCKED"}`), Options{}))
	assert.Equal(t, created, f.Created().Len())
	assert.Equal(t, float64(12400), value(t, store, "WBA123.statusv1.mileage"))
	assert.Equal(t, "UNLOCKED", value(t, store, "WBA123.statusv1.doorLockState"))
}

func TestFlatten_PairEncoding(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	doc := `{"sessions": [{"key": "EUR", "value": "12.50"}, {"key": "null", "value": "x"}]}`
	require.NoError(t, f.Flatten(ctx, "WBA123.charging", []byte(doc), Options{}))

	n, err := store.GetValue(ctx, "WBA123.charging.sessions.EUR")
	require.NoError(t, err)
	assert.Equal(t, "12.50", n.Value)
	assert.Equal(t, "key value", n.Meta.Name)

	// 第一个值为字面量 "null" 时不按键值对处理
	assert.Equal(t, "x", value(t, store, "WBA123.charging.sessions.null.value"))
}

func TestFlatten_PairEncodingBeatsSegmentRules(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	// name 规则本会生成 P.front，键值对编码优先
	doc := `{"P": [{"vehicleId": "V1", "name": "front"}]}`
	require.NoError(t, f.Flatten(ctx, "WBA123", []byte(doc), Options{}))

	n, err := store.GetValue(ctx, "WBA123.P.V1")
	require.NoError(t, err)
	assert.Equal(t, models.KindLeaf, n.Kind)
	assert.Equal(t, "front", n.Value)
	assert.Equal(t, "vehicleId name", n.Meta.Name)

	_, err = store.GetValue(ctx, "WBA123.P.front")
	assert.ErrorIs(t, err, repository.ErrNodeNotFound)

	// ForceIndex 同样不影响键值对
	require.NoError(t, f.Flatten(ctx, "WBA123.forced", []byte(doc), Options{ForceIndex: true}))
	assert.Equal(t, "front", value(t, store, "WBA123.forced.P.V1"))
	_, err = store.GetValue(ctx, "WBA123.forced.P.01")
	assert.ErrorIs(t, err, repository.ErrNodeNotFound)

	// 多一个字段时回到路径段规则
	doc = `{"Q": [{"vehicleId": "V1", "name": "front", "pos": 1}]}`
	require.NoError(t, f.Flatten(ctx, "WBA123", []byte(doc), Options{}))
	assert.Equal(t, "V1", value(t, store, "WBA123.Q.front.vehicleId"))
}

func TestFlatten_ForceIndex(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	doc := `[{"vin": "WBA1", "model": "i4", "year": 2023}, {"vin": "WBA2", "model": "iX", "year": 2024}]`
	require.NoError(t, f.Flatten(ctx, "vehicles", []byte(doc), Options{ForceIndex: true}))

	assert.Equal(t, "WBA1", value(t, store, "vehicles.01.vin"))
	assert.Equal(t, "iX", value(t, store, "vehicles.02.model"))
}

func TestFlatten_PreferredArrayName(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	doc := `{"services": [{"name": "oil", "type": "ENGINE_OIL", "due": 1}]}`
	require.NoError(t, f.Flatten(ctx, "WBA123", []byte(doc), Options{PreferredArrayName: "type"}))

	assert.Equal(t, "oil", value(t, store, "WBA123.services.ENGINE_OIL.name"))
}

func TestFlatten_BigIntegers(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	doc := `{"small": 42, "big": 12345678901234567890, "edge": 9007199254740993, "ratio": 0.5}`
	require.NoError(t, f.Flatten(ctx, "x", []byte(doc), Options{}))

	assert.Equal(t, float64(42), value(t, store, "x.small"))
	assert.Equal(t, "12345678901234567890", value(t, store, "x.big"))
	assert.Equal(t, "9007199254740993", value(t, store, "x.edge"))
	assert.Equal(t, 0.5, value(t, store, "x.ratio"))

	big, err := store.GetValue(ctx, "x.big")
	require.NoError(t, err)
	assert.Equal(t, models.RoleText, big.Meta.Role)
}

func TestFlatten_EmbeddedJSON(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	doc := `{"payload": "{\"a\": 1, \"b\": [\"x\"]}", "note": "{not json", "plain": "hello"}`
	require.NoError(t, f.Flatten(ctx, "x", []byte(doc), Options{}))

	payload, err := store.GetValue(ctx, "x.payload")
	require.NoError(t, err)
	assert.Equal(t, models.KindContainer, payload.Kind)
	assert.Equal(t, float64(1), value(t, store, "x.payload.a"))
	assert.Equal(t, "x", value(t, store, "x.payload.b.x"))
	assert.Equal(t, "{not json", value(t, store, "x.note"))
	assert.Equal(t, "hello", value(t, store, "x.plain"))
}

func TestFlatten_Nulls(t *testing.T) {
	f, store, logs := newTestFlattener(t)
	ctx := context.Background()

	require.NoError(t, f.Flatten(ctx, "x", []byte(`null`), Options{}))
	assert.Equal(t, 0, f.Created().Len())
	assert.Equal(t, 1, logs.FilterMessage("Cannot extract empty document").Len())

	require.NoError(t, f.Flatten(ctx, "x", []byte(`{"gone": null}`), Options{}))
	n, err := store.GetValue(ctx, "x.gone")
	require.NoError(t, err)
	assert.Nil(t, n.Value)
	assert.Equal(t, models.TypeMixed, n.Meta.Type)
	assert.Equal(t, models.RoleState, n.Meta.Role)
}

func TestFlatten_KindConflictIsolated(t *testing.T) {
	f, store, logs := newTestFlattener(t)
	ctx := context.Background()

	require.NoError(t, f.Flatten(ctx, "x", []byte(`{"a": {"b": 1}, "c": 1}`), Options{}))
	require.NoError(t, f.Flatten(ctx, "x", []byte(`{"a": 5, "c": 2}`), Options{}))

	a, err := store.GetValue(ctx, "x.a")
	require.NoError(t, err)
	assert.Equal(t, models.KindContainer, a.Kind)
	assert.Equal(t, float64(2), value(t, store, "x.c"))

	warn := logs.FilterMessage("Failed to flatten property")
	require.Equal(t, 1, warn.Len())
	var logged error
	for _, field := range warn.All()[0].Context {
		if field.Key == "error" {
			logged, _ = field.Interface.(error)
		}
	}
	assert.ErrorIs(t, logged, repository.ErrKindConflict)
}

func TestFlatten_ScalarRootAndInvalid(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	require.NoError(t, f.Flatten(ctx, "x.y", []byte(`"abc"`), Options{Write: true}))
	n, err := store.GetValue(ctx, "x.y")
	require.NoError(t, err)
	assert.Equal(t, "abc", n.Value)
	assert.True(t, n.Meta.Write)

	assert.ErrorIs(t, f.Flatten(ctx, "x", []byte(`{"a":`), Options{}), ErrInvalidDocument)
}

func TestFlatten_ExistingNodeRenamedFromCatalog(t *testing.T) {
	_, store, _ := newTestFlattener(t)
	ctx := context.Background()

	_, err := store.EnsureNode(ctx, "x", models.KindContainer, models.Metadata{})
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, "x.mileage", models.KindLeaf, models.Metadata{Name: "mileage"})
	require.NoError(t, err)

	// 新实例首次遇到已存在节点时用目录描述更新名称
	f := New(zap.NewNop(), store, DefaultCatalog())
	require.NoError(t, f.Flatten(ctx, "x", []byte(`{"mileage": 1}`), Options{}))

	n, err := store.GetValue(ctx, "x.mileage")
	require.NoError(t, err)
	assert.Equal(t, "Kilometerstand", n.Meta.Name)
}

func TestFlatten_ForgetAllowsRecreate(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	require.NoError(t, f.Flatten(ctx, "x", []byte(`{"a": {"b": 1}}`), Options{}))
	require.NoError(t, store.DeleteSubtree(ctx, "x.a"))
	f.Forget("x.a")

	require.NoError(t, f.Flatten(ctx, "x", []byte(`{"a": 3}`), Options{}))
	assert.Equal(t, float64(3), value(t, store, "x.a"))
}

func TestEnsureParents(t *testing.T) {
	f, store, _ := newTestFlattener(t)
	ctx := context.Background()

	require.NoError(t, f.EnsureParents(ctx, "WBA1.stream.vehicle.cabin.door"))

	for _, p := range []string{"WBA1", "WBA1.stream", "WBA1.stream.vehicle", "WBA1.stream.vehicle.cabin"} {
		n, err := store.GetValue(ctx, p)
		require.NoError(t, err, p)
		assert.Equal(t, models.KindContainer, n.Kind, p)
	}
	_, err := store.GetValue(ctx, "WBA1.stream.vehicle.cabin.door")
	assert.ErrorIs(t, err, repository.ErrNodeNotFound)

	require.NoError(t, f.Flatten(ctx, "WBA1.stream.vehicle.cabin.door", []byte(`{"value":"LOCKED"}`), Options{}))
	assert.Equal(t, "LOCKED", value(t, store, "WBA1.stream.vehicle.cabin.door.value"))
}

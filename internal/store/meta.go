package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

// MetaRepo reads vessel, station and sensor metadata. It never writes.
type MetaRepo struct {
	pool *LazyDB
}

func NewMetaRepo(pool *LazyDB) *MetaRepo { return &MetaRepo{pool: pool} }

// MigrateMeta creates the metadata tables. Production databases are managed
// elsewhere; this exists for local setups and tests.
func MigrateMeta(db *gorm.DB) error {
	return db.AutoMigrate(&Vessel{}, &Station{}, &Sensor{})
}

func (r *MetaRepo) ListVessels(ctx context.Context) ([]Vessel, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	var out []Vessel
	if err := db.WithContext(ctx).Order("id asc").Find(&out).Error; err != nil {
		return nil, apperrors.Store("list vessels", err)
	}
	return out, nil
}

func (r *MetaRepo) GetVessel(ctx context.Context, id uint) (*Vessel, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	var v Vessel
	err = db.WithContext(ctx).First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("vessel %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, apperrors.Store("get vessel", err)
	}
	return &v, nil
}

// ListStations lists stations of one vessel, or all stations when vesselID is 0.
func (r *MetaRepo) ListStations(ctx context.Context, vesselID uint) ([]Station, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	q := db.WithContext(ctx).Order("id asc")
	if vesselID != 0 {
		q = q.Where("vessel_id = ?", vesselID)
	}
	var out []Station
	if err := q.Find(&out).Error; err != nil {
		return nil, apperrors.Store("list stations", err)
	}
	return out, nil
}

func (r *MetaRepo) ListSensors(ctx context.Context, stationID string) ([]Sensor, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	q := db.WithContext(ctx).Order("id asc")
	if stationID != "" {
		q = q.Where("station_id = ?", stationID)
	}
	var out []Sensor
	if err := q.Find(&out).Error; err != nil {
		return nil, apperrors.Store("list sensors", err)
	}
	return out, nil
}

// VesselForNode resolves the vessel a node's station is mounted on.
func (r *MetaRepo) VesselForNode(ctx context.Context, nodeID string) (*Vessel, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	var v Vessel
	err = db.WithContext(ctx).
		Joins("JOIN measuring_stations ON measuring_stations.vessel_id = vessels.id").
		Where("measuring_stations.id = ?", nodeID).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("vessel for node %s: %w", nodeID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, apperrors.Store("vessel for node", err)
	}
	return &v, nil
}

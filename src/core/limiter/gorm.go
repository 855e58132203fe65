package limiter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nutriscan-server-go/src/models"
)

// errDenied 用于回滚事务，不会返回给调用方
var errDenied = errors.New("denied")

// AtomicStore 在一个数据库事务中用条件更新完成检查和递增
type AtomicStore struct {
	db *gorm.DB
}

// NewAtomicStore 创建基于数据库事务的计数存储
func NewAtomicStore(db *gorm.DB) *AtomicStore {
	return &AtomicStore{db: db}
}

// CheckAndIncrement 主体或网段任一超限时整体回滚，两个计数都不变
func (s *AtomicStore) CheckAndIncrement(ctx context.Context, req Request, day string) (Decision, error) {
	d := Decision{SubjectLimit: req.SubjectLimit, NetworkLimit: req.NetworkLimit}
	checkNetwork := req.NetworkLimit > 0 && req.NetworkHash != ""

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, count, err := incrementBelow(tx, DimensionSubject, req.SubjectHash, day, req.SubjectLimit)
		if err != nil {
			return err
		}
		d.SubjectCount = count
		if !ok {
			d.Reason = ReasonSubjectLimit
			if checkNetwork {
				if d.NetworkCount, err = readCount(tx, DimensionNetwork, req.NetworkHash, day); err != nil {
					return err
				}
			}
			return errDenied
		}

		if !checkNetwork {
			return nil
		}
		ok, count, err = incrementBelow(tx, DimensionNetwork, req.NetworkHash, day, req.NetworkLimit)
		if err != nil {
			return err
		}
		d.NetworkCount = count
		if !ok {
			// 主体计数的递增随事务回滚
			d.Reason = ReasonNetworkLimit
			d.SubjectCount--
			return errDenied
		}
		return nil
	})

	switch {
	case errors.Is(err, errDenied):
		d.Allowed = false
		return d, nil
	case err != nil:
		return Decision{}, err
	}
	d.Allowed = true
	return d, nil
}

// incrementBelow 仅当 count < limit 时递增，返回是否递增以及当前计数
func incrementBelow(tx *gorm.DB, dimension, keyHash, day string, limit int) (bool, int, error) {
	row := models.DailyRateLimit{Dimension: dimension, KeyHash: keyHash, Day: day}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return false, 0, err
	}

	result := tx.Model(&models.DailyRateLimit{}).
		Where("dimension = ? AND key_hash = ? AND day = ? AND count < ?", dimension, keyHash, day, limit).
		Updates(map[string]interface{}{
			"count":      gorm.Expr("count + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, 0, result.Error
	}

	count, err := readCount(tx, dimension, keyHash, day)
	if err != nil {
		return false, 0, err
	}
	return result.RowsAffected == 1, count, nil
}

func readCount(tx *gorm.DB, dimension, keyHash, day string) (int, error) {
	var counts []int
	err := tx.Model(&models.DailyRateLimit{}).
		Where("dimension = ? AND key_hash = ? AND day = ?", dimension, keyHash, day).
		Pluck("count", &counts).Error
	if err != nil || len(counts) == 0 {
		return 0, err
	}
	return counts[0], nil
}

// ReadWriteStore 先读后写的计数存储。
// 读取和写入之间没有锁，并发请求可能同时通过最后一个名额，只适用于低并发部署。
type ReadWriteStore struct {
	db *gorm.DB
	// afterRead 在读取计数之后、写入之前调用，仅测试使用
	afterRead func()
}

// NewReadWriteStore 创建先读后写的计数存储
func NewReadWriteStore(db *gorm.DB) *ReadWriteStore {
	return &ReadWriteStore{db: db}
}

func (s *ReadWriteStore) CheckAndIncrement(ctx context.Context, req Request, day string) (Decision, error) {
	db := s.db.WithContext(ctx)
	d := Decision{SubjectLimit: req.SubjectLimit, NetworkLimit: req.NetworkLimit}
	checkNetwork := req.NetworkLimit > 0 && req.NetworkHash != ""

	var err error
	if d.SubjectCount, err = readCount(db, DimensionSubject, req.SubjectHash, day); err != nil {
		return Decision{}, err
	}
	if checkNetwork {
		if d.NetworkCount, err = readCount(db, DimensionNetwork, req.NetworkHash, day); err != nil {
			return Decision{}, err
		}
	}

	if s.afterRead != nil {
		s.afterRead()
	}

	switch {
	case d.SubjectCount >= req.SubjectLimit:
		d.Reason = ReasonSubjectLimit
		return d, nil
	case checkNetwork && d.NetworkCount >= req.NetworkLimit:
		d.Reason = ReasonNetworkLimit
		return d, nil
	}

	d.SubjectCount++
	if err := writeCount(db, DimensionSubject, req.SubjectHash, day, d.SubjectCount); err != nil {
		return Decision{}, err
	}
	if checkNetwork {
		d.NetworkCount++
		if err := writeCount(db, DimensionNetwork, req.NetworkHash, day, d.NetworkCount); err != nil {
			return Decision{}, err
		}
	}
	d.Allowed = true
	return d, nil
}

func writeCount(db *gorm.DB, dimension, keyHash, day string, count int) error {
	row := models.DailyRateLimit{Dimension: dimension, KeyHash: keyHash, Day: day, Count: count}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dimension"}, {Name: "key_hash"}, {Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Create(&row).Error
}

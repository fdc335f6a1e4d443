// internal/service/coupon/infrastructure/mapper.go
package infrastructure

import (
	"couponhub/internal/service/coupon/domain"
)

func toDomainPolicy(m *CouponPolicyModel) *domain.CouponPolicy {
	return &domain.CouponPolicy{
		ID:   m.ID,
		Name: m.Name,
		Code: m.Code,
		Discount: domain.DiscountPolicy{
			Type:              domain.DiscountType(m.DiscountType),
			Value:             m.DiscountValue,
			MaxDiscountAmount: m.MaxDiscountAmount,
			MinOrderAmount:    m.MinOrderAmount,
		},
		Distribution:      domain.DistributionType(m.DistributionType),
		ValidFrom:         m.ValidFrom,
		ValidUntil:        m.ValidUntil,
		MaxIssueCount:     m.MaxIssueCount,
		CurrentIssueCount: m.CurrentIssueCount,
		MaxUsagePerUser:   m.MaxUsagePerUser,
		ApplicableRule:    m.ApplicableRule,
		IsActive:          m.IsActive,
	}
}

func toDomainCoupon(m *CouponIssueModel) *domain.CouponIssue {
	var reservationID string
	if m.ReservationID != nil {
		reservationID = *m.ReservationID
	}
	return &domain.CouponIssue{
		ID:            m.ID,
		PolicyID:      m.PolicyID,
		UserID:        m.UserID,
		Status:        domain.CouponStatus(m.Status),
		ReservationID: reservationID,
		OrderID:       m.OrderID,
		IssuedAt:      m.IssuedAt,
		ReservedAt:    m.ReservedAt,
		UsedAt:        m.UsedAt,
		ExpiredAt:     m.ExpiredAt,
		ExpiresAt:     m.ExpiresAt,

		ActualDiscountAmount: m.ActualDiscountAmount,
		CouponName:           m.CouponName,
		Discount: domain.DiscountPolicy{
			Type:              domain.DiscountType(m.DiscountType),
			Value:             m.DiscountValue,
			MaxDiscountAmount: m.MaxDiscountAmount,
			MinOrderAmount:    m.MinOrderAmount,
		},
		Version: m.Version,
	}
}

func toCouponModel(c *domain.CouponIssue) *CouponIssueModel {
	// 唯一索引允许多个 NULL 但不允许多个空串，空预约号必须映射成 NULL
	var reservationID *string
	if c.ReservationID != "" {
		rid := c.ReservationID
		reservationID = &rid
	}
	return &CouponIssueModel{
		ID:            c.ID,
		PolicyID:      c.PolicyID,
		UserID:        c.UserID,
		Status:        string(c.Status),
		ReservationID: reservationID,
		OrderID:       c.OrderID,
		IssuedAt:      c.IssuedAt,
		ReservedAt:    c.ReservedAt,
		UsedAt:        c.UsedAt,
		ExpiredAt:     c.ExpiredAt,
		ExpiresAt:     c.ExpiresAt,

		ActualDiscountAmount: c.ActualDiscountAmount,
		CouponName:           c.CouponName,
		DiscountType:         string(c.Discount.Type),
		DiscountValue:        c.Discount.Value,
		MaxDiscountAmount:    c.Discount.MaxDiscountAmount,
		MinOrderAmount:       c.Discount.MinOrderAmount,

		Version: c.Version,
	}
}

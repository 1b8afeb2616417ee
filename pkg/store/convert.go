package store

import (
	"encoding/json"

	"gorm.io/datatypes"
	"schemesathi/pkg/domain"
)

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       domain.UserStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func profileToModel(p domain.Profile) ProfileModel {
	return ProfileModel{
		UserID:            p.UserID,
		Email:             p.Email,
		FullName:          p.FullName,
		Phone:             p.Phone,
		BusinessName:      p.BusinessName,
		BusinessType:      p.BusinessType,
		BusinessCategory:  p.BusinessCategory,
		AnnualTurnover:    p.AnnualTurnover,
		EmployeeCount:     p.EmployeeCount,
		State:             p.State,
		District:          p.District,
		Pincode:           p.Pincode,
		PreferredLanguage: p.PreferredLanguage,
		PreferredModel:    p.PreferredModel,
		Role:              string(p.Role),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	return domain.Profile{
		UserID:            m.UserID,
		Email:             m.Email,
		FullName:          m.FullName,
		Phone:             m.Phone,
		BusinessName:      m.BusinessName,
		BusinessType:      m.BusinessType,
		BusinessCategory:  m.BusinessCategory,
		AnnualTurnover:    m.AnnualTurnover,
		EmployeeCount:     m.EmployeeCount,
		State:             m.State,
		District:          m.District,
		Pincode:           m.Pincode,
		PreferredLanguage: m.PreferredLanguage,
		PreferredModel:    m.PreferredModel,
		Role:              domain.UserRole(m.Role),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// profileUpdateColumns maps set fields to their DB columns.
func profileUpdateColumns(u domain.ProfileUpdate) map[string]any {
	updates := make(map[string]any)
	if u.FullName != nil {
		updates["full_name"] = *u.FullName
	}
	if u.Phone != nil {
		updates["phone"] = *u.Phone
	}
	if u.BusinessName != nil {
		updates["business_name"] = *u.BusinessName
	}
	if u.BusinessType != nil {
		updates["business_type"] = *u.BusinessType
	}
	if u.BusinessCategory != nil {
		updates["business_category"] = *u.BusinessCategory
	}
	if u.State != nil {
		updates["state"] = *u.State
	}
	if u.District != nil {
		updates["district"] = *u.District
	}
	if u.Pincode != nil {
		updates["pincode"] = *u.Pincode
	}
	if u.PreferredLanguage != nil {
		updates["preferred_language"] = *u.PreferredLanguage
	}
	if u.PreferredModel != nil {
		updates["preferred_model"] = *u.PreferredModel
	}
	if u.AnnualTurnover != nil {
		updates["annual_turnover"] = *u.AnnualTurnover
	}
	if u.EmployeeCount != nil {
		updates["employee_count"] = *u.EmployeeCount
	}
	return updates
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:           c.ID,
		UserID:       c.UserID,
		Title:        c.Title,
		Language:     c.Language,
		Model:        c.Model,
		IsArchived:   c.IsArchived,
		IsPinned:     c.IsPinned,
		MessageCount: c.MessageCount,
		LastActiveAt: c.LastActiveAt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:           m.ID,
		UserID:       m.UserID,
		Title:        m.Title,
		Language:     m.Language,
		Model:        m.Model,
		IsArchived:   m.IsArchived,
		IsPinned:     m.IsPinned,
		MessageCount: m.MessageCount,
		LastActiveAt: m.LastActiveAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if len(msg.Parts) > 0 {
		model.Parts = datatypes.JSON(msg.Parts)
	}
	return model
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.MessageRole(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Parts) > 0 {
		msg.Parts = json.RawMessage(m.Parts)
	}
	return msg
}

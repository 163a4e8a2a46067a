package domain

import "time"

// Recipient — получатель подарка, уникален по email в рамках отправителя.
type Recipient struct {
	ID        string
	SenderID  string
	Name      string
	Email     string
	Birthday  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sender — отправитель из справочника пользователей.
type Sender struct {
	ID    string
	Name  string
	Email string
}

// DisplayName возвращает имя для писем; пустое имя заменяется email.
func (s Sender) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Email != "":
		return s.Email
	default:
		return "Someone"
	}
}

// Vendor — вендор подарочных карт.
type Vendor struct {
	ID   string
	Name string
}

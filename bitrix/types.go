package bitrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	OwnerTypeDeal     = 2
	EntityTypeContact = 3

	ActivityTypeCall = 2
	ActivityTypeTask = 6

	DirectionIncoming = 1
	DirectionOutgoing = 2
)

// FlexInt decodes ids sent either as JSON numbers or numeric strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("flexint: %q is not an integer", s)
		}
		*f = FlexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

func (f FlexInt) Int() int { return int(f) }

// OptionalID treats null, "" and "0" as absent.
type OptionalID struct {
	ID    int
	Valid bool
}

func SomeID(id int) OptionalID {
	return OptionalID{ID: id, Valid: id != 0}
}

func (o *OptionalID) UnmarshalJSON(b []byte) error {
	var f FlexInt
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*o = SomeID(int(f))
	return nil
}

func (o OptionalID) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(strconv.Itoa(o.ID))
}

func (o OptionalID) Ptr() *int {
	if !o.Valid {
		return nil
	}
	id := o.ID
	return &id
}

type Communication struct {
	ID           FlexInt `json:"ID"`
	EntityID     FlexInt `json:"ENTITY_ID"`
	EntityTypeID FlexInt `json:"ENTITY_TYPE_ID"`
	Type         string  `json:"TYPE"`
	Value        string  `json:"VALUE"`
}

type Activity struct {
	ID             FlexInt         `json:"ID"`
	Subject        string          `json:"SUBJECT"`
	TypeID         FlexInt         `json:"TYPE_ID"`
	Direction      FlexInt         `json:"DIRECTION"`
	OwnerID        FlexInt         `json:"OWNER_ID"`
	OwnerTypeID    FlexInt         `json:"OWNER_TYPE_ID"`
	ResponsibleID  OptionalID      `json:"RESPONSIBLE_ID"`
	Completed      string          `json:"COMPLETED"`
	Deadline       string          `json:"DEADLINE"`
	StartTime      string          `json:"START_TIME"`
	EndTime        string          `json:"END_TIME"`
	Created        string          `json:"CREATED"`
	LastUpdated    string          `json:"LAST_UPDATED"`
	Communications []Communication `json:"COMMUNICATIONS"`
}

type Deal struct {
	ID           FlexInt    `json:"ID"`
	Title        string     `json:"TITLE"`
	StageID      string     `json:"STAGE_ID"`
	CategoryID   FlexInt    `json:"CATEGORY_ID"`
	ContactID    OptionalID `json:"CONTACT_ID"`
	CompanyID    OptionalID `json:"COMPANY_ID"`
	AssignedByID OptionalID `json:"ASSIGNED_BY_ID"`
	CreatedByID  OptionalID `json:"CREATED_BY_ID"`
	DateCreate   string     `json:"DATE_CREATE"`
	CloseDate    string     `json:"CLOSEDATE"`
}

// Multifield is one entry of a contact's PHONE/EMAIL list.
type Multifield struct {
	ID        FlexInt `json:"ID"`
	ValueType string  `json:"VALUE_TYPE"`
	Value     string  `json:"VALUE"`
}

type Contact struct {
	ID           FlexInt      `json:"ID"`
	Name         string       `json:"NAME"`
	LastName     string       `json:"LAST_NAME"`
	Phone        []Multifield `json:"PHONE"`
	AssignedByID OptionalID   `json:"ASSIGNED_BY_ID"`
	CreatedByID  OptionalID   `json:"CREATED_BY_ID"`
}

type User struct {
	ID       FlexInt `json:"ID"`
	Name     string  `json:"NAME"`
	LastName string  `json:"LAST_NAME"`
}

func (u User) DisplayName() string {
	return strings.TrimSpace(u.Name + " " + u.LastName)
}

type StageChange struct {
	ID          FlexInt `json:"ID"`
	OwnerID     FlexInt `json:"OWNER_ID"`
	StageID     string  `json:"STAGE_ID"`
	CreatedTime string  `json:"CREATED_TIME"`
}

// FallbackName is the label used when a user cannot be resolved.
func FallbackName(id int) string {
	return fmt.Sprintf("ID %d", id)
}

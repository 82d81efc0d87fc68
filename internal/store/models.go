package store

import "time"

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type BoardMember struct {
	ID      string `json:"id"`
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
	// Joined fields for API responses
	UserName  string    `json:"userName"`
	UserEmail string    `json:"userEmail"`
	CreatedAt time.Time `json:"createdAt"`
}

type List struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Card struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Position    int        `json:"position"`
	Version     int        `json:"version"`
	Labels      []string   `json:"labels"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Comment struct {
	ID     string `json:"id"`
	CardID string `json:"cardId"`
	Author string `json:"authorId"`
	Body   string `json:"body"`
	// Joined field for API responses
	AuthorName string    `json:"authorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ListWithCards is a list plus its cards in position order.
type ListWithCards struct {
	List
	Cards []Card `json:"cards"`
}

// BoardSnapshot is the full representation clients fetch on (re)join.
type BoardSnapshot struct {
	Board
	Members []BoardMember   `json:"members"`
	Lists   []ListWithCards `json:"lists"`
}

// BoardSummary is a row in an actor's board index.
type BoardSummary struct {
	Board
	Role        string `json:"role"`
	ListCount   int    `json:"listCount"`
	MemberCount int    `json:"memberCount"`
}

// CardUpdate carries the mutable card fields; nil means leave unchanged.
// ExpectedVersion, when set, turns the write into a compare-and-swap
// against the stored version.
type CardUpdate struct {
	Title           *string
	Description     *string
	Labels          []string
	AssigneeID      *string
	ClearAssignee   bool
	DueDate         *time.Time
	ClearDueDate    bool
	ExpectedVersion *int
}

// CardSearchFilter narrows SearchCards. Membership of the searching actor
// is always enforced.
type CardSearchFilter struct {
	Query      string
	BoardID    string
	ListID     string
	AssigneeID string
	Limit      int
	Offset     int
}

// CardSearchResult is a card plus enough context to link back to it.
type CardSearchResult struct {
	Card
	ListTitle string `json:"listTitle"`
	BoardID   string `json:"boardId"`
}

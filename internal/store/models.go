package store

import "time"

type Profile struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

type User struct {
	ID                    string
	Username              string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	Profile               Profile
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Attachment records one uploaded file bound to a document. Stored as a
// jsonb array on the documents row.
type Attachment struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

type Document struct {
	ID            string
	Title         string
	Slug          string
	Content       string
	Excerpt       string
	AuthorID      string
	AuthorName    string // joined from users, not persisted on documents
	Status        string
	Category      string
	Tags          []string
	FeaturedImage string
	Attachments   []Attachment
	PublishedAt   *time.Time
	Views         int64
	LikeCount     int // derived, not a column
	WordCount     int
	ReadingTime   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Like struct {
	UserID   string
	Username string
	LikedAt  time.Time
}

// DocumentQuery is the resolved, role-aware predicate for listing
// documents. Status is final here: the service layer has already forced
// "published" for non-admin callers.
type DocumentQuery struct {
	Status   string
	Category string
	Tag      string
	Search   string
	AuthorID string
	Limit    int
	Offset   int
}

// UserQuery filters the admin user listing.
type UserQuery struct {
	Role   string
	Search string
	Limit  int
	Offset int
}

type DocumentStats struct {
	Total      int   `json:"total"`
	Published  int   `json:"published"`
	Draft      int   `json:"draft"`
	Archived   int   `json:"archived"`
	TotalViews int64 `json:"totalViews"`
	TotalLikes int   `json:"totalLikes"`
}

type UserStats struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
	Admins   int `json:"admins"`
	Users    int `json:"users"`
}

package crowdapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crowd/cmd/internal/auth/session"
)

// Project is a fundraising campaign.
type Project struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Details        string    `json:"details"`
	Category       string    `json:"category,omitempty"`
	Tags           []string  `json:"tags"`
	Images         []string  `json:"images"`
	TotalTarget    float64   `json:"total_target"`
	TotalDonations float64   `json:"total_donations"`
	AverageRating  float64   `json:"average_rating"`
	Owner          int64     `json:"owner"`
	IsCanceled     bool      `json:"is_canceled"`
	CreatedAt      time.Time `json:"created_at"`
}

// Progress is the donated share of the target in [0, 1+].
func (p Project) Progress() float64 {
	if p.TotalTarget <= 0 {
		return 0
	}
	return p.TotalDonations / p.TotalTarget
}

// Page is one page of a project listing.
type Page struct {
	Count    int       `json:"count"`
	Next     *string   `json:"next"`
	Previous *string   `json:"previous"`
	Results  []Project `json:"results"`
}

// NextPage returns the page number of the next page, if any.
func (p Page) NextPage() (int, bool) {
	return pageOf(p.Next)
}

// PreviousPage returns the page number of the previous page, if any.
func (p Page) PreviousPage() (int, bool) {
	n, ok := pageOf(p.Previous)
	if !ok && p.Previous != nil {
		// The backend omits page=1 from the first page link.
		return 1, true
	}
	return n, ok
}

func pageOf(link *string) (int, bool) {
	if link == nil || strings.TrimSpace(*link) == "" {
		return 0, false
	}
	u, err := url.Parse(*link)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// ListOptions selects a listing page. Zero values mean first page, no search.
type ListOptions struct {
	Page   int
	Search string
}

// NewProject is the create-campaign form.
type NewProject struct {
	Title       string
	Details     string
	Category    string
	TotalTarget float64
	Tags        []string
	Images      []session.File
}

// ProjectUpdate changes only the non-nil fields.
type ProjectUpdate struct {
	Title   *string `json:"title,omitempty"`
	Details *string `json:"details,omitempty"`
}

// Comment is a posted comment.
type Comment struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project"`
	Author    int64     `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Donation is an accepted donation and the new project total.
type Donation struct {
	ProjectID      int64   `json:"project"`
	Amount         float64 `json:"amount"`
	TotalDonations float64 `json:"total_donations"`
}

// Rating is the project's new average after a vote.
type Rating struct {
	ProjectID     int64   `json:"project"`
	AverageRating float64 `json:"average_rating"`
}

func (c *Client) ListProjects(ctx context.Context, opts ListOptions) (Page, error) {
	q := url.Values{}
	if opts.Page > 1 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		q.Set("search", s)
	}

	var out Page
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodGet,
		Query:   q,
		Op:      "Failed to load projects",
	}, &out)
	return out, err
}

func (c *Client) Project(ctx context.Context, id int64) (Project, error) {
	var out Project
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodGet,
		Path:    projectPath(id),
		Op:      "Failed to load project",
	}, &out)
	return out, err
}

// CreateProject posts the form as multipart so images can be attached.
func (c *Client) CreateProject(ctx context.Context, p NewProject) (Project, error) {
	form := map[string][]string{
		"title":        {p.Title},
		"details":      {p.Details},
		"total_target": {strconv.FormatFloat(p.TotalTarget, 'f', -1, 64)},
	}
	if p.Category != "" {
		form["category"] = []string{p.Category}
	}
	if len(p.Tags) > 0 {
		form["tags"] = p.Tags
	}

	files := make([]session.File, 0, len(p.Images))
	for _, img := range p.Images {
		if img.Field == "" {
			img.Field = "images"
		}
		files = append(files, img)
	}

	var out Project
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Form:    form,
		Files:   files,
		Op:      "Failed to create project",
	}, &out)
	return out, err
}

func (c *Client) UpdateProject(ctx context.Context, id int64, upd ProjectUpdate) (Project, error) {
	var out Project
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPatch,
		Path:    projectPath(id),
		Body:    upd,
		Op:      "Failed to update project",
	}, &out)
	return out, err
}

// CancelProject is refused by the backend once donations reach 25% of the target.
func (c *Client) CancelProject(ctx context.Context, id int64) (string, error) {
	var out detail
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Path:    projectPath(id) + "cancel/",
		Op:      "Failed to cancel project",
	}, &out)
	return out.Detail, err
}

func (c *Client) Donate(ctx context.Context, id int64, amount float64) (Donation, error) {
	var out Donation
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Path:    projectPath(id) + "donate/",
		Body:    map[string]float64{"amount": amount},
		Op:      "Donation failed",
	}, &out)
	return out, err
}

func (c *Client) Comment(ctx context.Context, id int64, content string) (Comment, error) {
	var out Comment
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Path:    projectPath(id) + "comments/",
		Body:    map[string]string{"content": content},
		Op:      "Failed to post comment",
	}, &out)
	return out, err
}

// Rate records a 1..5 vote; a second vote by the same user replaces the first.
func (c *Client) Rate(ctx context.Context, id int64, value int) (Rating, error) {
	var out Rating
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Path:    projectPath(id) + "rate/",
		Body:    map[string]int{"value": value},
		Op:      "Failed to rate project",
	}, &out)
	return out, err
}

func (c *Client) ReportProject(ctx context.Context, id int64, reason string) (string, error) {
	var out detail
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Path:    projectPath(id) + "report/",
		Body:    map[string]string{"reason": reason},
		Op:      "Failed to submit report",
	}, &out)
	return out.Detail, err
}

func (c *Client) ReportComment(ctx context.Context, commentID int64, reason string) (string, error) {
	var out detail
	err := c.call(ctx, session.Request{
		Service: session.ServiceProjects,
		Method:  http.MethodPost,
		Path:    "comments/" + strconv.FormatInt(commentID, 10) + "/report/",
		Body:    map[string]string{"reason": reason},
		Op:      "Failed to submit report",
	}, &out)
	return out.Detail, err
}

func projectPath(id int64) string {
	return strconv.FormatInt(id, 10) + "/"
}

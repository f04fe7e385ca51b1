package authtest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	v1 "crowd/cmd/internal/contracts/feed/v1"
)

const defaultPageSize = 10

// Project is the fake's project record; JSON names follow the projects service.
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

	ratings map[int64]int
}

// Comment is a project comment.
type Comment struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project"`
	Author    int64     `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is a project or comment report.
type Report struct {
	Kind     string `json:"kind"`
	TargetID int64  `json:"target_id"`
	Reporter int64  `json:"reporter"`
	Reason   string `json:"reason"`
}

type catalog struct {
	pageSize      int
	projects      map[int64]*Project
	nextProjectID int64
	comments      map[int64]*Comment
	nextCommentID int64
	reports       []Report
}

func newCatalog() catalog {
	return catalog{
		pageSize: defaultPageSize,
		projects: make(map[int64]*Project),
		comments: make(map[int64]*Comment),
	}
}

// AddProject seeds a project owned by owner and returns its id.
func (s *Server) AddProject(owner int64, title string, target float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addProjectLocked(owner, title, "", target, nil, nil).ID
}

func (s *Server) addProjectLocked(owner int64, title, details string, target float64, tags, images []string) *Project {
	s.nextProjectID++
	p := &Project{
		ID:          s.nextProjectID,
		Title:       title,
		Details:     details,
		Tags:        nonNil(tags),
		Images:      nonNil(images),
		TotalTarget: target,
		Owner:       owner,
		CreatedAt:   time.Now().UTC(),
		ratings:     make(map[int64]int),
	}
	s.projects[p.ID] = p
	return p
}

// Reports returns a copy of every report filed.
func (s *Server) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reports)
}

type pageResponse struct {
	Count    int        `json:"count"`
	Next     *string    `json:"next"`
	Previous *string    `json:"previous"`
	Results  []*Project `json:"results"`
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	s.count("projects")

	q := r.URL.Query()
	page := 1
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusNotFound, "Invalid page.")
			return
		}
		page = n
	}
	search := strings.ToLower(strings.TrimSpace(q.Get("search")))

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		if search != "" && !matches(p, search) {
			continue
		}
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b *Project) int { return int(b.ID - a.ID) })

	start := (page - 1) * s.pageSize
	if start > len(all) || (start == len(all) && page > 1) {
		writeDetail(w, http.StatusNotFound, "Invalid page.")
		return
	}
	end := min(start+s.pageSize, len(all))

	resp := pageResponse{Count: len(all), Results: all[start:end]}
	if end < len(all) {
		next := pageURL(s.URL, r.URL, page+1)
		resp.Next = &next
	}
	if page > 1 {
		prev := pageURL(s.URL, r.URL, page-1)
		resp.Previous = &prev
	}
	writeJSON(w, http.StatusOK, resp)
}

func matches(p *Project, search string) bool {
	if strings.Contains(strings.ToLower(p.Title), search) {
		return true
	}
	for _, t := range p.Tags {
		if strings.EqualFold(t, search) {
			return true
		}
	}
	return false
}

func pageURL(root string, u *url.URL, page int) string {
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	return root + u.Path + "?" + q.Encode()
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	s.count("project")

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/projects/" {
		http.NotFound(w, r)
		return
	}
	s.count("project_create")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		writeDetail(w, http.StatusBadRequest, "multipart body required")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	target, err := strconv.ParseFloat(r.FormValue("total_target"), 64)

	fields := map[string][]string{}
	if title == "" {
		fields["title"] = []string{"This field may not be blank."}
	}
	if err != nil || target <= 0 {
		fields["total_target"] = []string{"Ensure this value is greater than 0."}
	}
	if len(fields) > 0 {
		writeFields(w, fields)
		return
	}

	var images []string
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["images"] {
			images = append(images, "/media/projects/"+fh.Filename)
		}
	}

	s.mu.Lock()
	p := s.addProjectLocked(uid, title, r.FormValue("details"), target, r.Form["tags"], images)
	p.Category = r.FormValue("category")
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	s.count("project_update")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req struct {
		Title   *string `json:"title"`
		Details *string `json:"details"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	if p.Owner != uid {
		s.mu.Unlock()
		writeDetail(w, http.StatusForbidden, "You do not have permission to perform this action.")
		return
	}
	if req.Title != nil {
		p.Title = *req.Title
	}
	if req.Details != nil {
		p.Details = *req.Details
	}
	out := *p
	s.mu.Unlock()

	s.Publish(out.ID, v1.TypeUpdate, v1.UpdatePayload{Title: out.Title, IsCanceled: out.IsCanceled})
	writeJSON(w, http.StatusOK, &out)
}

// handleProjectCancel allows cancellation only while donations are below 25% of the target.
func (s *Server) handleProjectCancel(w http.ResponseWriter, r *http.Request) {
	s.count("project_cancel")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	s.mu.Lock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	switch {
	case p.Owner != uid:
		s.mu.Unlock()
		writeDetail(w, http.StatusForbidden, "You do not have permission to perform this action.")
		return
	case p.IsCanceled:
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Project is already cancelled.")
		return
	case p.TotalDonations >= p.TotalTarget*0.25:
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Cannot cancel a project that has reached 25% of its target.")
		return
	}
	p.IsCanceled = true
	title := p.Title
	s.mu.Unlock()

	s.Publish(p.ID, v1.TypeUpdate, v1.UpdatePayload{Title: title, IsCanceled: true})
	writeDetail(w, http.StatusOK, "Project cancelled.")
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	s.count("donate")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req struct {
		Amount json.Number `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := req.Amount.Float64()
	if err != nil || amount <= 0 {
		writeFields(w, map[string][]string{"amount": {"Ensure this value is greater than 0."}})
		return
	}

	s.mu.Lock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	if p.IsCanceled {
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Cannot donate to a cancelled project.")
		return
	}
	p.TotalDonations += amount
	total := p.TotalDonations
	donor := ""
	if u := s.userByIDLocked(uid); u != nil {
		donor = u.Email
	}
	s.mu.Unlock()

	s.Publish(p.ID, v1.TypeDonation, v1.DonationPayload{Amount: amount, TotalDonations: total, Donor: donor})
	writeJSON(w, http.StatusCreated, map[string]any{"project": p.ID, "amount": amount, "total_donations": total})
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	s.count("comment")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeFields(w, map[string][]string{"content": {"This field may not be blank."}})
		return
	}

	s.mu.Lock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.nextCommentID++
	c := &Comment{ID: s.nextCommentID, ProjectID: p.ID, Author: uid, Content: req.Content, CreatedAt: time.Now().UTC()}
	s.comments[c.ID] = c
	author := ""
	if u := s.userByIDLocked(uid); u != nil {
		author = u.Email
	}
	s.mu.Unlock()

	s.Publish(p.ID, v1.TypeComment, v1.CommentPayload{CommentID: c.ID, Author: author, Content: c.Content})
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	s.count("rate")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req struct {
		Value int `json:"value"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value < 1 || req.Value > 5 {
		writeFields(w, map[string][]string{"value": {"Ensure this value is between 1 and 5."}})
		return
	}

	s.mu.Lock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	p.ratings[uid] = req.Value
	sum := 0
	for _, v := range p.ratings {
		sum += v
	}
	p.AverageRating = float64(sum) / float64(len(p.ratings))
	avg, n := p.AverageRating, len(p.ratings)
	s.mu.Unlock()

	s.Publish(p.ID, v1.TypeRating, v1.RatingPayload{AverageRating: avg, Count: n})
	writeJSON(w, http.StatusOK, map[string]any{"project": p.ID, "average_rating": avg})
}

func (s *Server) handleReportProject(w http.ResponseWriter, r *http.Request) {
	s.count("report_project")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projectLocked(w, r)
	if !ok {
		return
	}
	s.reports = append(s.reports, Report{Kind: "project", TargetID: p.ID, Reporter: uid, Reason: reason})
	writeDetail(w, http.StatusCreated, "Report submitted.")
}

func (s *Server) handleReportComment(w http.ResponseWriter, r *http.Request) {
	s.count("report_comment")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.comments[id]; !found {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	s.reports = append(s.reports, Report{Kind: "comment", TargetID: id, Reporter: uid, Reason: reason})
	writeDetail(w, http.StatusCreated, "Report submitted.")
}

func decodeReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeFields(w, map[string][]string{"reason": {"This field may not be blank."}})
		return "", false
	}
	return req.Reason, true
}

// projectLocked resolves {id}; it writes 404 and reports false when missing. Caller holds s.mu.
func (s *Server) projectLocked(w http.ResponseWriter, r *http.Request) (*Project, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return nil, false
	}
	p, ok := s.projects[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return nil, false
	}
	return p, true
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

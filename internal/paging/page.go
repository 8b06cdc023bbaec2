package paging

// SortState describes the sort applied to a page.
type SortState struct {
	Empty    bool `json:"empty"`
	Unsorted bool `json:"unsorted"`
	Sorted   bool `json:"sorted"`
}

// Pageable echoes the request that produced a page.
type Pageable struct {
	Sort       SortState `json:"sort"`
	Offset     int64     `json:"offset"`
	PageSize   int       `json:"pageSize"`
	PageNumber int       `json:"pageNumber"`
	Unpaged    bool      `json:"unpaged"`
	Paged      bool      `json:"paged"`
}

// Page is the list envelope. Field names follow the wire format existing
// clients already consume.
type Page[T any] struct {
	Content          []T       `json:"content"`
	Pageable         Pageable  `json:"pageable"`
	Last             bool      `json:"last"`
	TotalElements    int64     `json:"totalElements"`
	TotalPages       int       `json:"totalPages"`
	Size             int       `json:"size"`
	Number           int       `json:"number"`
	Sort             SortState `json:"sort"`
	First            bool      `json:"first"`
	NumberOfElements int       `json:"numberOfElements"`
	Empty            bool      `json:"empty"`
}

// NewPage builds the envelope for content fetched with req out of total elements.
func NewPage[T any](content []T, req Request, total int64) Page[T] {
	if content == nil {
		content = []T{}
	}
	size := req.Size
	if size <= 0 {
		size = DefaultSize
	}
	totalPages := int((total + int64(size) - 1) / int64(size))
	sort := sortState(req.Sort)
	return Page[T]{
		Content: content,
		Pageable: Pageable{
			Sort:       sort,
			Offset:     int64(req.Page) * int64(size),
			PageSize:   size,
			PageNumber: req.Page,
			Unpaged:    false,
			Paged:      true,
		},
		Last:             req.Page+1 >= totalPages,
		TotalElements:    total,
		TotalPages:       totalPages,
		Size:             size,
		Number:           req.Page,
		Sort:             sort,
		First:            req.Page == 0,
		NumberOfElements: len(content),
		Empty:            len(content) == 0,
	}
}

func sortState(s Sort) SortState {
	sorted := len(s) > 0
	return SortState{Empty: !sorted, Unsorted: !sorted, Sorted: sorted}
}

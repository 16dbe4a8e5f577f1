package iteminfo

// ListingResponse is the externally visible shape of every listing operation.
type ListingResponse struct {
	TotalFiles int          `json:"total_files"`
	Files      []FileRecord `json:"files"`
	Skip       int          `json:"skip"`
	Limit      int          `json:"limit"`
}

// NewListingResponse packages a page. Files is never nil so it encodes as [].
func NewListingResponse(total int, page []FileRecord, skip, limit int) ListingResponse {
	if page == nil {
		page = []FileRecord{}
	}
	return ListingResponse{
		TotalFiles: total,
		Files:      page,
		Skip:       skip,
		Limit:      limit,
	}
}

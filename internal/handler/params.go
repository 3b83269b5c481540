package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"stockpilot/internal/repository"
)

const maxPageSize = 500

// listParams reads the pagination contract from the query string:
// ?limit=&skip=&sort=&search=. Sort accepts "field" or "-field".
func listParams(c *gin.Context) repository.ListParams {
	params := repository.ListParams{
		Limit:  50,
		Sort:   strings.TrimSpace(c.Query("sort")),
		Search: strings.TrimSpace(c.Query("search")),
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		params.Limit = v
	}
	if params.Limit > maxPageSize {
		params.Limit = maxPageSize
	}
	if v, err := strconv.Atoi(c.Query("skip")); err == nil && v > 0 {
		params.Skip = v
	}
	return params
}

// setTotal exposes the unpaginated count for list views.
func setTotal(c *gin.Context, total int64) {
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

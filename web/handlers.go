package web

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chenweiqiao/toutiao/models"
)

func paramInt64(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func queryPage(c echo.Context) int {
	page, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func (s *Server) handleFeed(c echo.Context) error {
	uid, err := paramInt64(c, "uid")
	if err != nil {
		return err
	}
	posts, total, err := s.feed.Read(c.Request().Context(), uid, queryPage(c))
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []*models.Post{}
	}
	return c.JSON(http.StatusOK, map[string]any{"posts": posts, "total": total})
}

type postBody struct {
	AuthorID int64  `json:"author_id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	OrigURL  string `json:"orig_url"`
}

func (s *Server) handleCreatePost(c echo.Context) error {
	var body postBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	post, err := s.content.CreatePost(c.Request().Context(), body.AuthorID, body.Title, body.Content, body.OrigURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, post)
}

func (s *Server) handleGetPost(c echo.Context) error {
	post, err := s.content.GetPostByIdentifier(c.Request().Context(), c.Param("ident"))
	if err != nil {
		return err
	}
	if post == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such post")
	}
	return c.JSON(http.StatusOK, post)
}

func (s *Server) handleUpdatePost(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	var body postBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	post, err := s.content.UpdatePost(c.Request().Context(), id, body.Title, body.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, post)
}

func (s *Server) handleDeletePost(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	if err := s.content.DeletePost(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetTags(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := s.content.SetTags(c.Request().Context(), id, body.Tags); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRecentPosts(c echo.Context) error {
	posts, err := s.content.RecentPosts(c.Request().Context(), queryPage(c))
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return c.JSON(http.StatusOK, map[string]any{"posts": posts})
}

func (s *Server) handlePostsByTag(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	ids, err := s.content.PostsByTag(ctx, name, queryPage(c))
	if err != nil {
		return err
	}
	total, err := s.content.TagPostCount(ctx, name)
	if err != nil {
		return err
	}
	posts, err := s.content.GetPosts(ctx, ids)
	if err != nil {
		return err
	}
	out := []*models.Post{}
	for _, p := range posts {
		if p != nil {
			out = append(out, p)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"posts": out, "total": total})
}

func (s *Server) handleFollow(c echo.Context) error {
	from, err := paramInt64(c, "from")
	if err != nil {
		return err
	}
	to, err := paramInt64(c, "to")
	if err != nil {
		return err
	}
	created, err := s.graph.Follow(c.Request().Context(), from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"created": created})
}

func (s *Server) handleUnfollow(c echo.Context) error {
	from, err := paramInt64(c, "from")
	if err != nil {
		return err
	}
	to, err := paramInt64(c, "to")
	if err != nil {
		return err
	}
	if err := s.graph.Unfollow(c.Request().Context(), from, to); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFollowers(c echo.Context) error {
	uid, err := paramInt64(c, "uid")
	if err != nil {
		return err
	}
	ids, err := s.graph.FollowersPage(c.Request().Context(), uid, queryPage(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user_ids": ids})
}

func (s *Server) handleFollowing(c echo.Context) error {
	uid, err := paramInt64(c, "uid")
	if err != nil {
		return err
	}
	ids, err := s.graph.FollowingPage(c.Request().Context(), uid, queryPage(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user_ids": ids})
}

func (s *Server) handleStats(c echo.Context) error {
	uid, err := paramInt64(c, "uid")
	if err != nil {
		return err
	}
	followers, following, err := s.graph.Stats(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{
		"followers": followers,
		"following": following,
	})
}

type actionBody struct {
	UserID     int64  `json:"user_id"`
	TargetID   int64  `json:"target_id"`
	TargetKind int    `json:"target_kind"`
	Content    string `json:"content"`
}

func (s *Server) handleCreateAction(c echo.Context) error {
	agg, ok := s.actions.ByName(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such action")
	}
	var body actionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	item, created, err := agg.Create(c.Request().Context(), body.UserID, body.TargetID, body.TargetKind, body.Content)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, item)
}

func (s *Server) handleDeleteAction(c echo.Context) error {
	agg, ok := s.actions.ByName(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such action")
	}
	var body actionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := agg.Delete(c.Request().Context(), body.UserID, body.TargetID, body.TargetKind); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCountActions(c echo.Context) error {
	agg, ok := s.actions.ByName(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such action")
	}
	targetID, err := strconv.ParseInt(c.QueryParam("target_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid target_id")
	}
	targetKind, err := strconv.Atoi(c.QueryParam("target_kind"))
	if err != nil {
		targetKind = models.KindPost
	}
	n, err := agg.CountByTarget(c.Request().Context(), targetID, targetKind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleListActions(c echo.Context) error {
	agg, ok := s.actions.ByName(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such action")
	}
	targetID, err := strconv.ParseInt(c.QueryParam("target_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid target_id")
	}
	targetKind, err := strconv.Atoi(c.QueryParam("target_kind"))
	if err != nil {
		targetKind = models.KindPost
	}
	items, err := agg.PageByTarget(c.Request().Context(), targetID, targetKind, queryPage(c))
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.ActionItem{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing query")
	}
	ctx := c.Request().Context()
	res, err := s.index.Search(ctx, q, queryPage(c))
	if err != nil {
		return err
	}
	posts, err := s.content.GetPosts(ctx, res.IDs)
	if err != nil {
		return err
	}
	out := []*models.Post{}
	for _, p := range posts {
		if p != nil {
			out = append(out, p)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"posts": out, "total": res.Total})
}

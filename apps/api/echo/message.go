package echoapi

import (
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/services/realtime"
)

// multipart boundaries and the receiver_id field
const uploadOverhead = 1 << 20

type messageApi struct {
	conf     *core.Config
	logger   core.Logger
	svc      *message.Service
	usrSvc   *user.Service
	hub      *realtime.Hub
	validate *validator.Validate
}

func registerMessageAPI(g *echo.Group, jwt echo.MiddlewareFunc, api messageApi) {
	// the handshake authenticates itself: browsers cannot set the Authorization header
	g.GET("/ws", api.subscribe)

	ag := g.Group("", jwt, participantMiddleware(api.usrSvc))
	ag.GET("/conversations", api.listConversations)
	ag.GET("/peers", api.listPeers)
	ag.POST("", api.send)
	ag.POST("/upload", api.upload)
	ag.POST("/:id/seen", api.markSeen)
	ag.GET("/:conversationId", api.listMessages)
}

// Handlers

func (api *messageApi) listConversations(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	convs, err := api.svc.ListConversations(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "listing conversations")
	}
	return ctx.JSON(http.StatusOK, convs)
}

func (api *messageApi) listPeers(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	peers, err := api.usrSvc.ListPeers(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "listing peers")
	}

	profiles := make([]user.Profile, 0, len(peers))
	for _, p := range peers {
		profiles = append(profiles, p.Profile())
	}
	return ctx.JSON(http.StatusOK, profiles)
}

func (api *messageApi) listMessages(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	var limit Limit
	if err = limit.Bind(ctx); err != nil {
		return err
	}

	msgs, err := api.svc.ListMessages(ctx.Request().Context(), usr, ctx.Param("conversationId"), limit.N)
	if err != nil {
		return errors.Wrap(err, "listing messages")
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *messageApi) send(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}

	var data message.NewMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMessage")
	}
	if err = data.Validate(ctx.Request().Context(), api.validate); err != nil {
		return err
	}

	sent, err := api.svc.Send(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "sending message")
	}
	return ctx.JSON(http.StatusCreated, sent)
}

func (api *messageApi) upload(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}

	maxSize := api.conf.Storage.MaxUploadSize
	req := ctx.Request()
	req.Body = http.MaxBytesReader(ctx.Response(), req.Body, maxSize+uploadOverhead)

	fh, err := ctx.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewFieldValidationError("file", "the file is too large")
		}
		return core.NewFieldValidationError("file", "this field is required")
	}
	if fh.Size > maxSize {
		return core.NewFieldValidationError("file", "the file is too large")
	}

	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening uploaded file")
	}
	defer func() { _ = f.Close() }()

	sent, err := api.svc.Upload(req.Context(), usr, ctx.FormValue("receiver_id"), message.Upload{
		Filename:    fh.Filename,
		ContentType: uploadContentType(fh.Filename, fh.Header.Get(echo.HeaderContentType)),
		Size:        fh.Size,
		Content:     f,
	})
	if err != nil {
		return errors.Wrap(err, "uploading attachment")
	}
	return ctx.JSON(http.StatusCreated, sent)
}

// uploadContentType trusts the part's declared type unless it is missing or generic.
func uploadContentType(filename, declared string) string {
	if declared != "" && declared != echo.MIMEOctetStream {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return echo.MIMEOctetStream
}

func (api *messageApi) markSeen(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	msg, err := api.svc.MarkSeen(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking message as seen")
	}
	return ctx.JSON(http.StatusOK, msg)
}

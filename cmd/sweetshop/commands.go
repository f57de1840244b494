package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pribylovaa/sweet-shop-client/internal/fakeapi"
	"github.com/pribylovaa/sweet-shop-client/internal/models"
	"github.com/pribylovaa/sweet-shop-client/internal/session"
	"github.com/pribylovaa/sweet-shop-client/internal/shop"
)

// usageError — неверные аргументы команды.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// run выполняет команду cmd и печатает результат в stdout как JSON.
func run(ctx context.Context, c *session.Client, cmd string, args []string) error {
	return dispatch(ctx, c, cmd, args, os.Stdout)
}

func dispatch(ctx context.Context, c *session.Client, cmd string, args []string, out io.Writer) error {
	sc := shop.New(c.Session)

	// Все команды, кроме входа, работают от имени сохранённой сессии.
	switch cmd {
	case "login", "register":
	default:
		if res := c.Restore(ctx); !res.OK && cmd != "logout" {
			return res.Err
		}
	}

	switch cmd {
	case "login":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		email := fs.String("email", "", "account e-mail")
		password := fs.String("password", "", "account password")
		if err := parse(fs, args); err != nil {
			return err
		}

		return emit(out, c.Login(ctx, models.Credentials{Email: *email, Password: *password}))

	case "register":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		var reg models.Registration
		fs.StringVar(&reg.Email, "email", "", "account e-mail")
		fs.StringVar(&reg.Username, "username", "", "display name")
		fs.StringVar(&reg.Password, "password", "", "account password")
		fs.BoolVar(&reg.IsAdmin, "admin", false, "request an admin account")
		if err := parse(fs, args); err != nil {
			return err
		}
		reg.PasswordConfirm = reg.Password

		return emit(out, c.Register(ctx, reg))

	case "logout":
		return emit(out, c.Logout(ctx))

	case "whoami":
		return emit(out, session.Result[models.Session]{OK: true, Data: c.CurrentSession()})

	case "sweets":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		var f shop.Filter
		fs.StringVar(&f.Search, "search", "", "free-text search")
		fs.StringVar(&f.Category, "category", "", "category value")
		fs.BoolVar(&f.AvailableOnly, "available", false, "only items in stock")
		fs.IntVar(&f.Page, "page", 0, "page number")
		fs.IntVar(&f.PageSize, "page-size", 0, "page size")
		minPrice := fs.Float64("min-price", -1, "minimum price")
		maxPrice := fs.Float64("max-price", -1, "maximum price")
		if err := parse(fs, args); err != nil {
			return err
		}
		f.MinPrice, f.MaxPrice = price(*minPrice), price(*maxPrice)

		return emit(out, sc.ListSweets(ctx, f))

	case "search":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		var p shop.SearchParams
		fs.StringVar(&p.Name, "name", "", "name contains")
		fs.StringVar(&p.Category, "category", "", "category value")
		fs.BoolVar(&p.AvailableOnly, "available", false, "only items in stock")
		featured := fs.Bool("featured", false, "only featured items")
		minPrice := fs.Float64("min-price", -1, "minimum price")
		maxPrice := fs.Float64("max-price", -1, "maximum price")
		if err := parse(fs, args); err != nil {
			return err
		}
		p.MinPrice, p.MaxPrice = price(*minPrice), price(*maxPrice)
		if *featured {
			p.IsFeatured = featured
		}

		return emit(out, sc.Search(ctx, p))

	case "buy":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		id := fs.Int64("id", 0, "sweet id")
		qty := fs.Int("qty", 1, "quantity")
		if err := parse(fs, args); err != nil {
			return err
		}
		if *id <= 0 {
			return usageError{msg: "buy: --id is required"}
		}

		return emit(out, sc.Purchase(ctx, *id, *qty))

	case "restock":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		id := fs.Int64("id", 0, "sweet id")
		qty := fs.Int("qty", 1, "quantity")
		reason := fs.String("reason", "", "restock reason")
		if err := parse(fs, args); err != nil {
			return err
		}
		if *id <= 0 {
			return usageError{msg: "restock: --id is required"}
		}

		return emit(out, sc.Restock(ctx, *id, *qty, *reason))

	case "categories":
		return emit(out, sc.Categories(ctx))

	case "stats":
		return emit(out, sc.Stats(ctx))

	case "featured":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		page := fs.Int("page", 0, "page number")
		if err := parse(fs, args); err != nil {
			return err
		}

		return emit(out, sc.Featured(ctx, *page))

	case "low-stock":
		return emit(out, sc.LowStock(ctx))

	case "out-of-stock":
		return emit(out, sc.OutOfStock(ctx))

	case "dashboard":
		return emit(out, sc.Dashboard(ctx))

	case "bulk":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		var req models.BulkRequest
		fs.StringVar(&req.Operation, "op", "", "restock, clear_stock or delete")
		fs.IntVar(&req.Quantity, "qty", 0, "units per sweet (restock)")
		rawIDs := fs.String("ids", "", "comma-separated sweet ids")
		if err := parse(fs, args); err != nil {
			return err
		}

		ids, err := parseIDs(*rawIDs)
		if err != nil {
			return err
		}
		req.SweetIDs = ids

		return emit(out, sc.Bulk(ctx, req))

	default:
		return usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// runServe запускает fake API с начальными данными.
func runServe(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8000", "listen address")
	adminEmail := fs.String("admin-email", "admin@sweetshop.local", "seeded admin e-mail")
	adminPassword := fs.String("admin-password", "admin12345", "seeded admin password")
	rotate := fs.Bool("rotate-refresh", false, "rotate refresh tokens on exchange")
	if err := parse(fs, args); err != nil {
		return err
	}

	srv := fakeapi.New(fakeapi.Options{Logger: log, RotateRefresh: *rotate})

	if _, err := srv.AddUser(*adminEmail, "admin", *adminPassword, true); err != nil {
		return err
	}
	for _, in := range seedSweets {
		srv.AddSweet(in)
	}

	return srv.ListenAndServe(ctx, *addr)
}

var seedSweets = []models.SweetInput{
	{Name: "Dark Chocolate Truffle", Category: models.CategoryChocolate, Price: 2.5, Quantity: 40, IsFeatured: true},
	{Name: "Gulab Jamun", Category: models.CategoryIndian, Price: 1.75, Quantity: 8},
	{Name: "Red Velvet Cake", Category: models.CategoryCake, Price: 24, Quantity: 3},
	{Name: "Oatmeal Cookie", Category: models.CategoryCookie, Price: 0.9, Quantity: 0},
}

func parse(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageError{msg: fmt.Sprintf("%s: %v", fs.Name(), err)}
	}

	return nil
}

// parseIDs разбирает список id через запятую.
func parseIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, usageError{msg: "bulk: --ids is required"}
	}

	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, usageError{msg: fmt.Sprintf("bulk: bad id %q", part)}
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// price — отрицательное значение флага означает «не задано».
func price(v float64) *float64 {
	if v < 0 {
		return nil
	}

	return &v
}

// emit печатает результат; неуспешный результат возвращается как ошибка.
func emit[T any](w io.Writer, r session.Result[T]) error {
	if !r.OK {
		return r.Err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(r.Data)
}

package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/user"
)

func (cli *commandLine) addUser(name, uname, email string, roles []string) error {
	ctx := context.Background()
	nu := user.NewUser{Name: name, Username: uname, Email: email, Roles: roles}
	if err := nu.Validate(ctx, cli.validate, cli.usrSvc); err != nil {
		return err
	}
	usr, err := cli.usrSvc.Create(ctx, nu)
	if err != nil {
		return errors.Wrap(err, "creating user")
	}
	_, _ = fmt.Fprintf(cli.out, "user %q created: %s\n", usr.Username, usr.ID)
	return nil
}

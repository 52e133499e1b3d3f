package main

import (
	"context"
	"fmt"

	echoapi "github.com/trezcool/shule/apps/api/echo"
)

// issueToken prints a signed API token: logins are handled outside of this app.
func (cli *commandLine) issueToken(uname string) error {
	usr, err := cli.usrSvc.GetByUsernameOrEmail(context.Background(), uname)
	if err != nil {
		return err
	}
	token, err := echoapi.GenerateToken(echoapi.GetUserClaims(usr, cli.conf), cli.conf)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cli.out, token)
	return nil
}

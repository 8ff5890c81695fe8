package main

import (
	"github.com/ibbs-dev/ibbs/config"
	"github.com/ibbs-dev/ibbs/models"
	"github.com/ibbs-dev/ibbs/routes"
	"github.com/ibbs-dev/ibbs/utils"
)

func main() {
	cfg := config.Load()

	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	db := config.InitDatabase(&models.User{}, &models.Post{}, &models.PostRating{}, &models.Comment{})

	r := routes.SetupRouter(db)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}

/*
Package haarcascade trains and runs a boosted cascade of Haar-like features,
the detector described by Viola and Jones, over grayscale images.

Training draws face and background windows, boosts weak threshold rules into
stages and chains the stages into an attentional cascade:

	cfg := haarcascade.DefaultConfig()
	catalog, err := haarcascade.NewCatalog(cfg.WindowSize)
	if err != nil {
		log.Fatal(err)
	}
	trainer, err := haarcascade.NewTrainer(cfg, train, validation, stats, catalog)
	if err != nil {
		log.Fatal(err)
	}
	cascade, err := trainer.Train(ctx)
	if err != nil {
		log.Fatal(err)
	}
	_, err = haarcascade.SaveCascade("cascade", cascade, trainer.History())

Detection replays the saved cascade over every scale that fits the image:

	cascade, err := haarcascade.LoadCascade("cascade", cfg.WindowSize)
	if err != nil {
		log.Fatal(err)
	}
	img, err := haarcascade.LoadGray("group.jpg")
	if err != nil {
		log.Fatal(err)
	}
	det, err := haarcascade.NewDetector(cascade, cfg, img.Width, img.Height)
	if err != nil {
		log.Fatal(err)
	}
	dets, err := det.Detect(ctx, img)
	if err != nil {
		log.Fatal(err)
	}
	dets = haarcascade.Cluster(dets, 0.2)

The haartrain and haardetect commands wrap both flows.
*/
package haarcascade

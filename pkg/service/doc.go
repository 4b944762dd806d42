// Package service ties the engine together behind one object.
//
// A Service owns the stream transport, the subscription registry, the
// update batcher, the staleness classifier, the bootstrap loader and the
// store. Consumers declare interest per group and read or watch store
// entries; everything else happens in the background.
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Transport.URL = "wss://gw.example/ws/data"
//
//	svc, err := service.New(cfg, service.Deps{})
//	if err != nil {
//		return err
//	}
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	defer svc.Shutdown(context.Background())
//
//	svc.Declare("panel", []key.Key{key.Tag("meter", "m1", "power")}, subscription.ModeReplace)
//	cancel := svc.Watch(key.Tag("meter", "m1", "power"), func(k string, v store.TrackedValue) {
//		fmt.Println(k, v.Value, v.Level)
//	})
//	defer cancel()
package service
